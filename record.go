package otaflux

import (
	"hash/crc32"

	"github.com/Masterminds/semver/v3"
)

// FirmwareRecord is the unit of cached value: an immutable snapshot of one
// firmware artifact as resolved from the registry at a point in time.
type FirmwareRecord struct {
	// Version is the parsed semantic version of the artifact's tag.
	Version *semver.Version
	// Size is len(Binary); kept alongside the bytes so /version can answer
	// without re-deriving it.
	Size int
	// CRC is the IEEE (gzip/zlib) CRC32 of Binary.
	CRC uint32
	// Binary is the firmware payload. Never mutated after construction.
	Binary []byte
	// ManifestDigest is the opaque content-addressed digest (e.g. "sha256:...")
	// of the artifact this record was built from, used for rebuild detection.
	ManifestDigest string
}

// NewFirmwareRecord builds a FirmwareRecord from a resolved version, the
// fetched bytes, and the digest observed at fetch time, deriving Size and
// CRC so callers can never construct an inconsistent record (P1).
func NewFirmwareRecord(version *semver.Version, binary []byte, manifestDigest string) *FirmwareRecord {
	return &FirmwareRecord{
		Version:        version,
		Size:           len(binary),
		CRC:            crc32.ChecksumIEEE(binary),
		Binary:         binary,
		ManifestDigest: manifestDigest,
	}
}
