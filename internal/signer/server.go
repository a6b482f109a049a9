package signer

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/scrypt"
)

// scryptN/scryptR/scryptP are the standard-strength scrypt cost
// parameters (N=2^20 is too slow for a signer startup path; N=2^15
// matches the "interactive" tier recommended for password-derived keys
// that are unlocked once per process lifetime, not per request).
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// EncryptedKeyFile is the on-disk representation of a wallet private key,
// per spec.md §6. All byte fields are hex-encoded in JSON.
type EncryptedKeyFile struct {
	Version       int    `json:"version"`
	Algorithm     string `json:"algorithm"`
	IV            string `json:"iv"`
	AuthTag       string `json:"authTag"`
	EncryptedKey  string `json:"encryptedKey"`
	Salt          string `json:"salt"`
}

// EncryptKey produces an EncryptedKeyFile for privateKey under
// passphrase, using a freshly generated salt and IV.
func EncryptKey(privateKey []byte, passphrase string) (*EncryptedKeyFile, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("signer: generate salt: %w", err)
	}

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("signer: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("signer: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("signer: new gcm: %w", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("signer: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, privateKey, nil)
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]
	authTag := sealed[len(sealed)-gcm.Overhead():]

	return &EncryptedKeyFile{
		Version:      1,
		Algorithm:    "aes-256-gcm",
		IV:           hex.EncodeToString(iv),
		AuthTag:      hex.EncodeToString(authTag),
		EncryptedKey: hex.EncodeToString(ciphertext),
		Salt:         hex.EncodeToString(salt),
	}, nil
}

// Decrypt recovers the plaintext private key from an EncryptedKeyFile
// given the passphrase that encrypted it. The ciphertext is authenticated
// by AES-256-GCM; a wrong passphrase or tampered file fails here rather
// than yielding a corrupt key.
func (f *EncryptedKeyFile) Decrypt(passphrase string) ([]byte, error) {
	if f.Version != 1 {
		return nil, fmt.Errorf("signer: unsupported key file version %d", f.Version)
	}
	if f.Algorithm != "aes-256-gcm" {
		return nil, fmt.Errorf("signer: unsupported algorithm %q", f.Algorithm)
	}

	salt, err := hex.DecodeString(f.Salt)
	if err != nil {
		return nil, fmt.Errorf("signer: decode salt: %w", err)
	}
	iv, err := hex.DecodeString(f.IV)
	if err != nil {
		return nil, fmt.Errorf("signer: decode iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(f.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("signer: decode ciphertext: %w", err)
	}
	authTag, err := hex.DecodeString(f.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("signer: decode auth tag: %w", err)
	}

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("signer: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("signer: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("signer: new gcm: %w", err)
	}

	sealed := append(append([]byte{}, ciphertext...), authTag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("signer: decrypt key: authentication failed: %w", err)
	}
	return plaintext, nil
}

// Server holds the plaintext signing key in a single owning buffer for
// the lifetime of the process, services one connection at a time within
// each connection but accepts concurrently, and refuses to sign unless
// the caller presents a valid approval token (spec.md §4.5).
type Server struct {
	mu          sync.Mutex
	privateKey  *ecdsa.PrivateKey
	keyBytes    []byte // the raw buffer behind privateKey.D, zeroed on Shutdown
	address     string
	approvalKey []byte
	listener    net.Listener
}

// NewServer loads and decrypts keyFile with passphrase and prepares a
// Server ready to Serve. approvalKey is the pre-shared HMAC secret used
// to verify approval tokens minted by the shield.
func NewServer(keyFile *EncryptedKeyFile, passphrase string, approvalKey []byte) (*Server, error) {
	raw, err := keyFile.Decrypt(passphrase)
	if err != nil {
		return nil, err
	}

	privateKey, err := crypto.ToECDSA(raw)
	if err != nil {
		for i := range raw {
			raw[i] = 0
		}
		return nil, fmt.Errorf("signer: invalid private key: %w", err)
	}

	return &Server{
		privateKey:  privateKey,
		keyBytes:    raw,
		address:     strings.ToLower(crypto.PubkeyToAddress(privateKey.PublicKey).Hex()),
		approvalKey: approvalKey,
	}, nil
}

// Listen opens a unix domain socket at path with filesystem mode 0600,
// per spec.md §4.5/§6.
func (s *Server) Listen(path string) error {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("signer: listen: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = l.Close()
		return fmt.Errorf("signer: chmod socket: %w", err)
	}
	s.listener = l
	return nil
}

// Serve accepts connections until the listener is closed. Each
// connection is handled sequentially (requests within a connection keep
// their order); distinct connections may be served concurrently.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	r := bufio.NewReader(conn)
	for {
		var req Request
		if err := readMessage(r, &req); err != nil {
			return
		}
		resp := s.handle(req)
		if err := writeMessage(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(req Request) Response {
	switch req.Type {
	case KindHealthCheck:
		return okResponse(HealthData{Status: "ok"})
	case KindGetAddress:
		return okResponse(AddressData{Address: s.address})
	case KindSignTransaction:
		return s.signTransaction(req)
	case KindSignMessage:
		return s.signMessage(req)
	default:
		return errResponse(fmt.Errorf("signer: unknown request type %q", req.Type))
	}
}

func (s *Server) signTransaction(req Request) Response {
	if req.TransactionHash == "" || req.SerializedTx == "" {
		return errResponse(errors.New("signer: sign_transaction requires transactionHash and serializedTx"))
	}
	if !VerifyApprovalToken(req.ApprovalToken, req.TransactionHash, s.approvalKey, nowFunc()) {
		return errResponse(errors.New("signer: approval token invalid or expired"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.privateKey == nil {
		return errResponse(errors.New("signer: key material unavailable"))
	}

	hashBytes, err := hex.DecodeString(strings.TrimPrefix(req.TransactionHash, "0x"))
	if err != nil {
		return errResponse(fmt.Errorf("signer: invalid transaction hash: %w", err))
	}
	sig, err := crypto.Sign(hashBytes, s.privateKey)
	if err != nil {
		return errResponse(fmt.Errorf("signer: sign transaction: %w", err))
	}
	return okResponse(SignatureData{Signature: "0x" + hex.EncodeToString(sig)})
}

func (s *Server) signMessage(req Request) Response {
	if req.Message == "" {
		return errResponse(errors.New("signer: sign_message requires message"))
	}
	if !VerifyApprovalToken(req.ApprovalToken, req.Message, s.approvalKey, nowFunc()) {
		return errResponse(errors.New("signer: approval token invalid or expired"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.privateKey == nil {
		return errResponse(errors.New("signer: key material unavailable"))
	}

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(req.Message), req.Message)
	hash := crypto.Keccak256([]byte(prefixed))
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return errResponse(fmt.Errorf("signer: sign message: %w", err))
	}
	return okResponse(SignatureData{Signature: "0x" + hex.EncodeToString(sig)})
}

// Shutdown closes the listener and overwrites the plaintext key buffer
// with zeros before returning, per spec.md §4.5/§5.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for i := range s.keyBytes {
		s.keyBytes[i] = 0
	}
	s.privateKey = nil
	return err
}

// nowFunc is overridden in tests to control approval-token freshness
// checks deterministically.
var nowFunc = time.Now
