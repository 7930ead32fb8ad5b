package encryption

import (
	"fmt"

	"fsledger/internal/config"
	"fsledger/internal/snapshot"
)

// NewEncryptorFromConfig creates an Encryptor based on the export config
// type. Type "none" disables export encryption.
func NewEncryptorFromConfig(cfg config.ExportConfig) (snapshot.Encryptor, error) {
	switch cfg.Type {
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown export encryption type: %s", cfg.Type)
	}
}
