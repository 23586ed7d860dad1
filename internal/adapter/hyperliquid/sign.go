package hyperliquid

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	json "github.com/goccy/go-json"
)

// signatureChainID is fixed by the Hyperliquid L1 signing scheme regardless
// of mainnet/testnet.
const signatureChainID = 1337

// Signer produces the agent-wallet signatures the exchange endpoint expects.
// The agent key is an API wallet authorized by the user's main wallet; it can
// trade but never withdraw.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	testnet    bool
}

// NewSigner parses the agent private key (with or without 0x prefix).
func NewSigner(privateKeyHex string, testnet bool) (*Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse agent private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		testnet:    testnet,
	}, nil
}

// Address returns the agent wallet address.
func (s *Signer) Address() common.Address {
	return s.address
}

// signature is the r/s/v triplet the exchange endpoint expects.
type signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// SignAction hashes the serialized action together with the nonce and signs
// the resulting phantom-agent connection id as EIP-712 typed data.
func (s *Signer) SignAction(action any, nonce uint64) (signature, error) {
	connectionID, err := s.actionHash(action, nonce)
	if err != nil {
		return signature{}, err
	}

	source := "a"
	if s.testnet {
		source = "b"
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(big.NewInt(signatureChainID)),
			VerifyingContract: common.Address{}.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID[:],
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return signature{}, fmt.Errorf("typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return signature{}, fmt.Errorf("sign action: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return signature{
		R: "0x" + common.Bytes2Hex(sig[:32]),
		S: "0x" + common.Bytes2Hex(sig[32:64]),
		V: sig[64],
	}, nil
}

// actionHash computes keccak256 over the serialized action, the nonce as
// big-endian uint64, and the no-vault marker byte.
func (s *Signer) actionHash(action any, nonce uint64) (common.Hash, error) {
	encoded, err := json.Marshal(action)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode action: %w", err)
	}

	data := make([]byte, 0, len(encoded)+9)
	data = append(data, encoded...)
	var nonceBytes [8]byte
	for i := 0; i < 8; i++ {
		nonceBytes[7-i] = byte(nonce >> (8 * i))
	}
	data = append(data, nonceBytes[:]...)
	data = append(data, 0x00) // no vault address

	return crypto.Keccak256Hash(data), nil
}
