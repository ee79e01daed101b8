package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

const (
	keyLength = 32
	ivLength  = 16

	// MaterialLength is the size of one unit of working key material:
	// an AES-256 key followed by its CBC initialization vector.
	MaterialLength = keyLength + ivLength
)

var ErrInvalidKeyMaterial = fmt.Errorf("key material must be %d bytes", MaterialLength)

// KeyMaterial is one freshly generated working key. Clear is handed to the
// endpoint (terminal or authorizer) for its local encryption operations;
// Wrapped is the same key protected under the security module's master key
// and is the only form the switch may retain.
type KeyMaterial struct {
	Clear   []byte
	Wrapped []byte
}

// KeyService is the security module contract. All operations are synchronous
// and side-effect free; cleartext PINs and keys never cross the boundary.
type KeyService interface {
	GenerateKeyMaterial() (KeyMaterial, error)

	// EncryptPinUnderMasterKey produces the reference cryptogram an
	// authorizer persists instead of the PIN itself.
	EncryptPinUnderMasterKey(pin string) ([]byte, error)

	// TranslatePin re-encrypts a PIN cryptogram from the source endpoint's
	// working key to the destination's, without exposing the plaintext.
	TranslatePin(pinCryptogram, wrappedSourceKey, wrappedDestinationKey []byte) ([]byte, error)

	// ValidatePin reports whether the candidate cryptogram, decrypted under
	// wrappedKey, matches the reference cryptogram held under the master key.
	ValidatePin(candidateCryptogram, wrappedKey, referenceCryptogram []byte) (bool, error)
}

// HSM is the software key service. The master key never leaves the struct.
type HSM struct {
	master []byte
}

func NewHSM() (*HSM, error) {
	master := make([]byte, MaterialLength)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	return &HSM{master: master}, nil
}

func (h *HSM) GenerateKeyMaterial() (KeyMaterial, error) {
	clear := make([]byte, MaterialLength)
	if _, err := rand.Read(clear); err != nil {
		return KeyMaterial{}, fmt.Errorf("generating working key: %w", err)
	}

	wrapped, err := encrypt(h.master, clear)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("wrapping working key: %w", err)
	}

	return KeyMaterial{Clear: clear, Wrapped: wrapped}, nil
}

func (h *HSM) EncryptPinUnderMasterKey(pin string) ([]byte, error) {
	return encrypt(h.master, []byte(pin))
}

func (h *HSM) TranslatePin(pinCryptogram, wrappedSourceKey, wrappedDestinationKey []byte) ([]byte, error) {
	source, err := h.unwrap(wrappedSourceKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping source key: %w", err)
	}
	destination, err := h.unwrap(wrappedDestinationKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping destination key: %w", err)
	}

	pin, err := decrypt(source, pinCryptogram)
	if err != nil {
		return nil, fmt.Errorf("decrypting pin block: %w", err)
	}

	return encrypt(destination, pin)
}

func (h *HSM) ValidatePin(candidateCryptogram, wrappedKey, referenceCryptogram []byte) (bool, error) {
	key, err := h.unwrap(wrappedKey)
	if err != nil {
		return false, fmt.Errorf("unwrapping key: %w", err)
	}

	pin, err := decrypt(key, candidateCryptogram)
	if err != nil {
		return false, fmt.Errorf("decrypting candidate pin block: %w", err)
	}

	underMaster, err := encrypt(h.master, pin)
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare(underMaster, referenceCryptogram) == 1, nil
}

// unwrap recovers working key material from its form under the master key.
func (h *HSM) unwrap(wrapped []byte) ([]byte, error) {
	material, err := decrypt(h.master, wrapped)
	if err != nil {
		return nil, err
	}
	if len(material) != MaterialLength {
		return nil, ErrInvalidKeyMaterial
	}
	return material, nil
}

// EncryptPinBlock encrypts a PIN under clear working key material. It is the
// local operation an endpoint performs with the key it was issued; the switch
// never calls it.
func EncryptPinBlock(material []byte, pin string) ([]byte, error) {
	return encrypt(material, []byte(pin))
}

// DecryptPinBlock is the inverse of EncryptPinBlock, for providers that hold
// clear material inside the security boundary.
func DecryptPinBlock(material, cryptogram []byte) ([]byte, error) {
	return decrypt(material, cryptogram)
}

func encrypt(material, plaintext []byte) ([]byte, error) {
	block, iv, err := newCipher(material)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func decrypt(material, ciphertext []byte) ([]byte, error) {
	block, iv, err := newCipher(material)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length must be a positive multiple of %d", block.BlockSize())
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, block.BlockSize())
}

func newCipher(material []byte) (cipher.Block, []byte, error) {
	if len(material) != MaterialLength {
		return nil, nil, ErrInvalidKeyMaterial
	}
	block, err := aes.NewCipher(material[:keyLength])
	if err != nil {
		return nil, nil, err
	}
	return block, material[keyLength:], nil
}

func pkcs7Pad(in []byte, blockSize int) []byte {
	pad := blockSize - len(in)%blockSize
	return append(append([]byte{}, in...), bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(in []byte, blockSize int) ([]byte, error) {
	if len(in) == 0 || len(in)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(in))
	}
	pad := int(in[len(in)-1])
	if pad == 0 || pad > blockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range in[len(in)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return in[:len(in)-pad], nil
}
