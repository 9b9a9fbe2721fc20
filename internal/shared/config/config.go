package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"proxydeck/internal/shared/securecrypt"
	"proxydeck/internal/shared/types"
)

// LoadIni loads the behavior configuration file (proxydeck.ini).
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvStr(&cfg.StorageConf.Secret, "PROXYDECK_SECRET")
	overrideFromEnvInt(&cfg.WebConf.Port, "PROXYDECK_WEB_PORT")
	return nil
}

// Store reads and writes the profile list. When a cipher is set the file on
// disk is an AEAD blob instead of plain JSON.
type Store struct {
	cipher *securecrypt.Cipher
}

// NewStore builds a Store. An empty secret produces a plaintext store.
func NewStore(secret string) (*Store, error) {
	if secret == "" {
		return &Store{}, nil
	}
	c, err := securecrypt.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to build store cipher: %w", err)
	}
	return &Store{cipher: c}, nil
}

// LoadServers loads the profiles data file. A missing file yields an empty
// list. An encrypted store still accepts a plaintext JSON file so existing
// stores survive enabling the secret; the next save encrypts it.
func (s *Store) LoadServers(fileName string) ([]*types.ServerProfile, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.ServerProfile{}, nil
		}
		return nil, fmt.Errorf("failed to read servers file: %w", err)
	}

	if s.cipher != nil && !looksLikeJSON(data) {
		data, err = s.cipher.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt servers file: %w", err)
		}
	}

	var profiles []*types.ServerProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal servers file: %w", err)
	}
	for _, p := range profiles {
		p.EnsureExtras()
	}
	return profiles, nil
}

// SaveServers persists the profile list to the data file.
func (s *Store) SaveServers(fileName string, profiles []*types.ServerProfile) error {
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal server profiles: %w", err)
	}
	if s.cipher != nil {
		data, err = s.cipher.Encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt server profiles: %w", err)
		}
	}
	return os.WriteFile(fileName, data, 0644)
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{')
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvStr(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
