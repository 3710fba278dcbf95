package smime

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"

	"go.mozilla.org/pkcs7"
)

var (
	oidSMIMECapabilities            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 15}
	oidSMIMEEncryptionKeyPreference = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 11}
	oidCapabilityDESEDE3CBC         = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
	oidCapabilityRC2CBC             = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 2}
	oidCapabilityDESCBC             = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 7}
	oidCapabilityAES256CBC          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
)

const (
	// rc2KeyBits is the RC2 effective key size advertised as the
	// capability parameter.
	rc2KeyBits = 128

	encryptionKeyPreferenceIssuerTag = 0
)

// smimeCapability is SMIMECapability from RFC 8551 section 2.5.2.
type smimeCapability struct {
	CapabilityID asn1.ObjectIdentifier
	Parameters   asn1.RawValue `asn1:"optional"`
}

// capabilities lists the symmetric ciphers advertised to recipients, most
// preferred first.
func capabilities() ([]smimeCapability, error) {
	rc2Params, err := asn1.Marshal(rc2KeyBits)
	if err != nil {
		return nil, err
	}
	return []smimeCapability{
		{CapabilityID: oidCapabilityDESEDE3CBC},
		{CapabilityID: oidCapabilityRC2CBC, Parameters: asn1.RawValue{FullBytes: rc2Params}},
		{CapabilityID: oidCapabilityDESCBC},
		{CapabilityID: oidCapabilityAES256CBC},
	}, nil
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// encryptionKeyPreference encodes the issuerAndSerialNumber choice of
// SMIMEEncryptionKeyPreference, an IMPLICIT [0] tagged SEQUENCE.
func encryptionKeyPreference(cert *x509.Certificate) (asn1.RawValue, error) {
	ias, err := asn1.Marshal(issuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
		SerialNumber: cert.SerialNumber,
	})
	if err != nil {
		return asn1.RawValue{}, err
	}

	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(ias, &seq); err != nil {
		return asn1.RawValue{}, err
	}

	return asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        encryptionKeyPreferenceIssuerTag,
		IsCompound: true,
		Bytes:      seq.Bytes,
	}, nil
}

// signedAttributes returns the S/MIME attributes added to every signature.
func signedAttributes(cert *x509.Certificate) ([]pkcs7.Attribute, error) {
	caps, err := capabilities()
	if err != nil {
		return nil, fmt.Errorf("failed to encode capabilities: %w", err)
	}
	pref, err := encryptionKeyPreference(cert)
	if err != nil {
		return nil, fmt.Errorf("failed to encode encryption key preference: %w", err)
	}
	return []pkcs7.Attribute{
		{Type: oidSMIMECapabilities, Value: caps},
		{Type: oidSMIMEEncryptionKeyPreference, Value: pref},
	}, nil
}
