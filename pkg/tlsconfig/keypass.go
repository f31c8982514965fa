package tlsconfig

import (
	"crypto/x509" //lint:ignore SA1019 legacy encrypted PEM keys are still a real input format for this daemon's key_pass option
	"encoding/pem"
	"fmt"
)

// decryptPrivateKey decrypts a classic (OpenSSL-style, RFC 1423) encrypted
// PEM private key using pass, returning a re-encoded unencrypted PEM block
// suitable for tls.X509KeyPair.
func decryptPrivateKey(keyPEM []byte, pass string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if !x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		return keyPEM, nil
	}
	der, err := x509.DecryptPEMBlock(block, []byte(pass)) //nolint:staticcheck
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
