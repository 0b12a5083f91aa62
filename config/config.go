/*
Package config implements the type to pass the arguments to a primary or a worker
and the functions to load the committee, the keys and the parameters from files.
*/
package config

import (
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Config defines a type to describe the configuration of one authority.
type Config struct {
	Name       string
	Committee  *Committee
	KeyPair    *KeyPair
	Parameters Parameters // as loaded at startup
	Updatable  *Updatable // batch_size, max_batch_delay, header_size and max_header_delay are read here
	StorePath  string     // empty for an in-memory store
	LogLevel   int
}

// New creates a new variable of type Config for test.
func New(keyPair *KeyPair, committee *Committee, params Parameters, storePath string, logLevel int) *Config {
	return &Config{
		Name:       keyPair.Name,
		Committee:  committee,
		KeyPair:    keyPair,
		Parameters: params,
		Updatable:  NewUpdatable(params),
		StorePath:  storePath,
		LogLevel:   logLevel,
	}
}

// LoadConfig loads the key file, the committee file and the optional parameters file.
func LoadConfig(keyFile, committeeFile, parametersFile, storePath string, logLevel int) (*Config, error) {
	keyPair, err := LoadKeyPair(keyFile)
	if err != nil {
		return nil, err
	}
	committee, err := LoadCommittee(committeeFile)
	if err != nil {
		return nil, err
	}
	params, err := LoadParameters(parametersFile)
	if err != nil {
		return nil, err
	}

	authority, ok := committee.Authority(keyPair.Name)
	if !ok {
		return nil, errors.Errorf("%s is not a member of the committee in %s", keyPair.Name, committeeFile)
	}
	if !authority.PublicKey.Equal(keyPair.PublicKey) {
		return nil, errors.Errorf("public key of %s in %s does not match %s", keyPair.Name, committeeFile, keyFile)
	}
	return New(keyPair, committee, params, storePath, logLevel), nil
}

// Logger creates a named logger at the configured level.
func (c *Config) Logger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   name + "-" + c.Name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(c.LogLevel),
	})
}
