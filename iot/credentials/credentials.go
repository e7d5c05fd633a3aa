package credentials

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// DefaultValidity is the validity of issued certificates
const DefaultValidity = 5 * 365 * 24 * time.Hour

// DefaultKeyBits is the size of generated device keys
const DefaultKeyBits = 2048

// Credentials are the MQTT client credentials of a device
type Credentials struct {
	DeviceID    string    `json:"deviceId"`
	Certificate string    `json:"cert"`
	Key         string    `json:"key"`
	NotAfter    time.Time `json:"notAfter"`
}

// Issuer issues device certificates signed by a certificate authority
type Issuer struct {
	caCert   *x509.Certificate
	caKey    crypto.Signer
	validity time.Duration
	keyBits  int
	now      func() time.Time
}

// Builder is a builder helper for the Issuer
type Builder struct {
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	// This is mandatory
	CACertFile string
	// CAKeyFile is the file path to the private key of the certificate authority,
	// PKCS #8 or PKCS #1. This is mandatory
	CAKeyFile string
	// Validity of issued certificates, defaults to DefaultValidity
	Validity time.Duration
	// KeyBits is the RSA key size, defaults to DefaultKeyBits
	KeyBits int
}

// NewIssuer loads the certificate authority and returns an issuer
func NewIssuer(b *Builder) (*Issuer, error) {
	if len(b.CACertFile) == 0 {
		panic("ca-cert file missing")
	}
	if len(b.CAKeyFile) == 0 {
		panic("ca-key file missing")
	}
	caCertData, err := os.ReadFile(b.CACertFile)
	if err != nil {
		return nil, err
	}
	caKeyData, err := os.ReadFile(b.CAKeyFile)
	if err != nil {
		return nil, err
	}
	issuer, err := NewIssuerFromPEM(caCertData, caKeyData)
	if err != nil {
		return nil, err
	}
	if b.Validity > 0 {
		issuer.validity = b.Validity
	}
	if b.KeyBits > 0 {
		issuer.keyBits = b.KeyBits
	}
	return issuer, nil
}

// NewIssuerFromPEM returns an issuer for a PEM encoded certificate authority
func NewIssuerFromPEM(caCertPEM, caKeyPEM []byte) (*Issuer, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, errors.New("no PEM data in ca certificate")
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, err
	}
	if !caCert.IsCA {
		return nil, errors.New("certificate is not a certificate authority")
	}
	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, errors.New("no PEM data in ca key")
	}
	caKey, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}
	return &Issuer{
		caCert:   caCert,
		caKey:    caKey,
		validity: DefaultValidity,
		keyBits:  DefaultKeyBits,
		now:      time.Now,
	}, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported ca key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("cannot parse ca key")
}

// Issue creates a key pair for a device and a client certificate whose common name is
// the device id
func (i *Issuer) Issue(deviceID string) (*Credentials, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := i.now().UTC()
	notAfter := now.Add(i.validity)
	if notAfter.After(i.caCert.NotAfter) {
		notAfter = i.caCert.NotAfter
	}
	cert := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: deviceID,
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    notAfter,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}

	certPrivKey, err := rsa.GenerateKey(rand.Reader, i.keyBits)
	if err != nil {
		return nil, err
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, cert, i.caCert, &certPrivKey.PublicKey, i.caKey)
	if err != nil {
		return nil, err
	}

	certPEM := new(bytes.Buffer)
	if err := pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: certBytes}); err != nil {
		return nil, err
	}
	certPrivKeyPEM := new(bytes.Buffer)
	if err := pem.Encode(certPrivKeyPEM, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(certPrivKey)}); err != nil {
		return nil, err
	}
	return &Credentials{
		DeviceID:    deviceID,
		Certificate: certPEM.String(),
		Key:         certPrivKeyPEM.String(),
		NotAfter:    notAfter,
	}, nil
}

// CACertificate returns the PEM encoded certificate of the certificate authority
func (i *Issuer) CACertificate() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.caCert.Raw}))
}
