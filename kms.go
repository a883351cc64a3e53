package acm

// Encrypter is the opaque KMS encrypt oracle. Implementations call out to
// the actual KMS service; this package never inspects the ciphertext format.
type Encrypter interface {
	Encrypt(keyID string, plaintext []byte) ([]byte, error)
}

// Decrypter is the opaque KMS decrypt oracle.
type Decrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// kmsEnvelope transparently encrypts on publish and decrypts on get for keys
// whose dataId carries CipherPrefix. When disabled, or the key isn't
// ciphered, it is a pass-through.
type kmsEnvelope struct {
	enabled   bool
	keyID     string
	encrypter Encrypter
	decrypter Decrypter
}

func newKMSEnvelope(cfg *Config) *kmsEnvelope {
	return &kmsEnvelope{
		enabled:   cfg.KMSEnabled,
		keyID:     cfg.KeyID,
		encrypter: cfg.Encrypter,
		decrypter: cfg.Decrypter,
	}
}

// encryptIfNeeded transforms plaintext into what should be stored, for keys
// that are ciphered and KMS is enabled.
func (e *kmsEnvelope) encryptIfNeeded(k Key, plaintext []byte) ([]byte, error) {
	if !e.enabled || !k.Ciphered() {
		return plaintext, nil
	}
	ciphertext, err := e.encrypter.Encrypt(e.keyID, plaintext)
	if err != nil {
		return nil, &EncryptionError{Key: k, Err: err}
	}
	return ciphertext, nil
}

// decryptIfNeeded transforms stored bytes back into what the caller of Get
// should see.
func (e *kmsEnvelope) decryptIfNeeded(k Key, stored []byte) ([]byte, error) {
	if !e.enabled || !k.Ciphered() {
		return stored, nil
	}
	plaintext, err := e.decrypter.Decrypt(stored)
	if err != nil {
		return nil, &DecryptionError{Key: k, Err: err}
	}
	return plaintext, nil
}
