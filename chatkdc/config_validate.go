/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package chatkdc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// CustomValidator is a struct that embeds the validator.Validate type
type CustomValidator struct {
	*validator.Validate
}

// NewCustomValidator creates a new instance of CustomValidator
func NewCustomValidator() (*CustomValidator, error) {
	v := validator.New()
	if err := v.RegisterValidation("certkey", ValidateCertAndKeyFiles); err != nil {
		return nil, fmt.Errorf("NewCustomValidator: error registering certkey validation: %v", err)
	}
	return &CustomValidator{v}, nil
}

func ValidateConfig(v *viper.Viper, cfgfile string) error {
	var config Config

	if v == nil {
		v = viper.GetViper()
	}
	if err := v.Unmarshal(&config, viper.DecodeHook(configDecodeHook())); err != nil {
		return fmt.Errorf("ValidateConfig: Unmarshal error: %v", err)
	}

	var configsections = make(map[string]interface{}, 4)

	configsections["log"] = config.Log
	configsections["service"] = config.Service
	configsections["apiserver"] = config.ApiServer
	configsections["kdc.database"] = config.Kdc.Database

	if err := ValidateBySection(&config, configsections, cfgfile); err != nil {
		return fmt.Errorf("Config \"%s\" is missing required attributes:\n%v", cfgfile, err)
	}
	return nil
}

func ValidateBySection(config *Config, configsections map[string]interface{}, cfgfile string) error {
	validate, err := NewCustomValidator()
	if err != nil {
		return fmt.Errorf("ValidateBySection: error creating custom validator: %v", err)
	}

	for k, data := range configsections {
		if Globals.Verbose {
			log.Printf("%s: Validating config for %q section\n", strings.ToUpper(Globals.App.Name), k)
		}
		if err := validate.Struct(data); err != nil {
			return fmt.Errorf("%s: Config %s, section %q: missing required attributes:\n%v",
				strings.ToUpper(Globals.App.Name), cfgfile, k, err)
		}
	}
	return nil
}

// ValidateCertAndKeyFiles checks that CertFile and the sibling KeyFile form a usable pair
func ValidateCertAndKeyFiles(fl validator.FieldLevel) bool {
	certFile := fl.Field().String()
	keyFile := fl.Parent().FieldByName("KeyFile").String()

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		log.Printf("ValidateCertAndKeyFiles: error reading cert file: %v", err)
		return false
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		log.Printf("ValidateCertAndKeyFiles: error reading key file: %v", err)
		return false
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		log.Printf("ValidateCertAndKeyFiles: error loading certificate: %v", err)
		return false
	}

	certParsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		log.Printf("ValidateCertAndKeyFiles: error parsing certificate: %v", err)
		return false
	}

	// self-signed certs verify against a pool holding only themselves
	certPool := x509.NewCertPool()
	certPool.AppendCertsFromPEM(certPEM)

	if _, err := certParsed.Verify(x509.VerifyOptions{Roots: certPool}); err != nil {
		log.Printf("ValidateCertAndKeyFiles: error verifying certificate against custom cert pool (for self-signed cert): %v", err)

		certPool, err := x509.SystemCertPool()
		if err != nil {
			log.Printf("ValidateCertAndKeyFiles: error loading system cert pool: %v", err)
			return false
		}
		if _, err := certParsed.Verify(x509.VerifyOptions{Roots: certPool}); err != nil {
			log.Printf("ValidateCertAndKeyFiles: error verifying certificate against system cert pool: %v", err)
			return false
		}
	}

	return true
}
