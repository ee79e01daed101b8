//go:build softhsm

package hsm

import (
	"crypto/subtle"
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/alovak/atmsim-playground/internal/security"
)

// SoftHSMProvider implements security.KeyService against a PKCS#11 token.
// The master key is an AES-256 secret key resident in the token, located by
// label; only wrapped working keys ever leave the session. Enabled via the
// softhsm build tag so the default build does not depend on pkcs11.
type SoftHSMProvider struct {
	libPath  string
	slotID   uint
	pin      string
	keyLabel string
	masterIV []byte
	p11      *pkcs11.Ctx
	sess     pkcs11.SessionHandle
	master   pkcs11.ObjectHandle
}

func NewSoftHSMProvider(libPath string, slotID uint, pin, keyLabel string, masterIV []byte) (*SoftHSMProvider, error) {
	if len(masterIV) != 16 {
		return nil, fmt.Errorf("master iv must be 16 bytes")
	}
	return &SoftHSMProvider{
		libPath:  libPath,
		slotID:   slotID,
		pin:      pin,
		keyLabel: keyLabel,
		masterIV: masterIV,
	}, nil
}

func (p *SoftHSMProvider) Open() error {
	p.p11 = pkcs11.New(p.libPath)
	if p.p11 == nil {
		return fmt.Errorf("load pkcs11 lib failed")
	}
	if err := p.p11.Initialize(); err != nil {
		return err
	}
	sess, err := p.p11.OpenSession(pkcs11.SlotID(p.slotID), pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		_ = p.p11.Finalize()
		return err
	}
	p.sess = sess
	if err := p.p11.Login(p.sess, pkcs11.CKU_USER, p.pin); err != nil {
		_ = p.p11.CloseSession(p.sess)
		_ = p.p11.Finalize()
		return err
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, p.keyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
	}
	if err := p.p11.FindObjectsInit(p.sess, template); err != nil {
		return err
	}
	objs, _, err := p.p11.FindObjects(p.sess, 1)
	_ = p.p11.FindObjectsFinal(p.sess)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return fmt.Errorf("master key not found by label=%s", p.keyLabel)
	}
	p.master = objs[0]
	return nil
}

func (p *SoftHSMProvider) Close() {
	if p.p11 != nil {
		if p.sess != 0 {
			_ = p.p11.Logout(p.sess)
			_ = p.p11.CloseSession(p.sess)
		}
		_ = p.p11.Finalize()
		p.p11.Destroy()
		p.p11 = nil
	}
}

func (p *SoftHSMProvider) GenerateKeyMaterial() (security.KeyMaterial, error) {
	clear, err := p.p11.GenerateRandom(p.sess, security.MaterialLength)
	if err != nil {
		return security.KeyMaterial{}, err
	}
	wrapped, err := p.encryptUnderMaster(clear)
	if err != nil {
		return security.KeyMaterial{}, err
	}
	return security.KeyMaterial{Clear: clear, Wrapped: wrapped}, nil
}

func (p *SoftHSMProvider) EncryptPinUnderMasterKey(pin string) ([]byte, error) {
	return p.encryptUnderMaster([]byte(pin))
}

func (p *SoftHSMProvider) TranslatePin(pinCryptogram, wrappedSourceKey, wrappedDestinationKey []byte) ([]byte, error) {
	source, err := p.unwrap(wrappedSourceKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping source key: %w", err)
	}
	destination, err := p.unwrap(wrappedDestinationKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping destination key: %w", err)
	}

	pin, err := security.DecryptPinBlock(source, pinCryptogram)
	if err != nil {
		return nil, fmt.Errorf("decrypting pin block: %w", err)
	}
	return security.EncryptPinBlock(destination, string(pin))
}

func (p *SoftHSMProvider) ValidatePin(candidateCryptogram, wrappedKey, referenceCryptogram []byte) (bool, error) {
	key, err := p.unwrap(wrappedKey)
	if err != nil {
		return false, fmt.Errorf("unwrapping key: %w", err)
	}
	pin, err := security.DecryptPinBlock(key, candidateCryptogram)
	if err != nil {
		return false, fmt.Errorf("decrypting candidate pin block: %w", err)
	}
	underMaster, err := p.encryptUnderMaster(pin)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(underMaster, referenceCryptogram) == 1, nil
}

func (p *SoftHSMProvider) unwrap(wrapped []byte) ([]byte, error) {
	material, err := p.decryptUnderMaster(wrapped)
	if err != nil {
		return nil, err
	}
	if len(material) != security.MaterialLength {
		return nil, security.ErrInvalidKeyMaterial
	}
	return material, nil
}

func (p *SoftHSMProvider) encryptUnderMaster(data []byte) ([]byte, error) {
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_CBC_PAD, p.masterIV)}
	if err := p.p11.EncryptInit(p.sess, mech, p.master); err != nil {
		return nil, err
	}
	return p.p11.Encrypt(p.sess, data)
}

func (p *SoftHSMProvider) decryptUnderMaster(data []byte) ([]byte, error) {
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_CBC_PAD, p.masterIV)}
	if err := p.p11.DecryptInit(p.sess, mech, p.master); err != nil {
		return nil, err
	}
	return p.p11.Decrypt(p.sess, data)
}

var _ security.KeyService = (*SoftHSMProvider)(nil)
