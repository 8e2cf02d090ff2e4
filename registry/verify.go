package registry

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"
)

// signatureAnnotation names the manifest annotation carrying a base64
// cosign-style detached signature over the extracted firmware bytes.
const signatureAnnotation = "dev.cosign.signature"

// Verifier checks firmware payloads against a detached signature found in
// the artifact's manifest annotations, using a public key loaded once at
// startup. Enabling it is optional (spec: cosign_pub_key_path).
type Verifier struct {
	verifier signature.Verifier
}

// NewVerifier loads a PEM-encoded public key from pubKeyPath.
func NewVerifier(pubKeyPath string) (*Verifier, error) {
	pemBytes, err := os.ReadFile(pubKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading cosign public key %s: %w", pubKeyPath, err)
	}
	pubKey, err := cryptoutils.UnmarshalPEMToPublicKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing cosign public key: %w", err)
	}
	v, err := signature.LoadVerifier(pubKey, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("constructing signature verifier: %w", err)
	}
	return &Verifier{verifier: v}, nil
}

// Verify checks payload against the signature annotation on desc's manifest.
func (v *Verifier) Verify(ctx context.Context, desc *remote.Descriptor, payload []byte) error {
	var manifest v1.Manifest
	if err := json.Unmarshal(desc.Manifest, &manifest); err != nil {
		return fmt.Errorf("parsing manifest for signature check: %w", err)
	}
	sigB64, ok := manifest.Annotations[signatureAnnotation]
	if !ok {
		return fmt.Errorf("manifest has no %s annotation", signatureAnnotation)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	return v.verifier.VerifySignature(bytes.NewReader(sig), bytes.NewReader(payload))
}
