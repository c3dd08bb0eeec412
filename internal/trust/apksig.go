package trust

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// Signing block layout constants.
const (
	eocdSignature   = 0x06054b50
	eocdMinSize     = 22
	eocdMaxComment  = 0xffff
	sigBlockMagic   = "APK Sig Block 42"
	sigBlockFooter  = 24 // uint64 size + 16 byte magic
	maxSigBlockSize = 16 << 20

	BlockV2  uint32 = 0x7109871a
	BlockV3  uint32 = 0xf05368c0
	BlockV31 uint32 = 0x1b93ad61
)

// blockPrecedence lists signature schemes in the order they are consulted.
var blockPrecedence = []uint32{BlockV2, BlockV3, BlockV31}

var errMalformed = errors.New("malformed signing block")

// readSigningBlock returns the id-value pairs of the APK Signing Block.
func readSigningBlock(r io.ReaderAt, size int64) (map[uint32][]byte, error) {
	cdOffset, err := centralDirectoryOffset(r, size)
	if err != nil {
		return nil, err
	}
	if cdOffset < sigBlockFooter+8 {
		return nil, errors.New("no signing block")
	}

	footer := make([]byte, sigBlockFooter)
	if _, err := r.ReadAt(footer, cdOffset-sigBlockFooter); err != nil {
		return nil, fmt.Errorf("read signing block footer: %w", err)
	}
	if string(footer[8:]) != sigBlockMagic {
		return nil, errors.New("no signing block")
	}
	blockSize := binary.LittleEndian.Uint64(footer[:8])
	if blockSize < sigBlockFooter || blockSize > maxSigBlockSize || int64(blockSize)+8 > cdOffset {
		return nil, errMalformed
	}

	start := cdOffset - int64(blockSize) - 8
	block := make([]byte, blockSize+8)
	if _, err := r.ReadAt(block, start); err != nil {
		return nil, fmt.Errorf("read signing block: %w", err)
	}
	if binary.LittleEndian.Uint64(block[:8]) != blockSize {
		return nil, errMalformed
	}

	pairs := block[8 : len(block)-sigBlockFooter]
	out := make(map[uint32][]byte)
	for len(pairs) > 0 {
		if len(pairs) < 12 {
			return nil, errMalformed
		}
		n := binary.LittleEndian.Uint64(pairs[:8])
		if n < 4 || n > uint64(len(pairs)-8) {
			return nil, errMalformed
		}
		id := binary.LittleEndian.Uint32(pairs[8:12])
		if _, seen := out[id]; !seen {
			out[id] = pairs[12 : 8+n]
		}
		pairs = pairs[8+n:]
	}
	return out, nil
}

// centralDirectoryOffset finds the end-of-central-directory record, which
// may be followed by a comment of up to 64KiB.
func centralDirectoryOffset(r io.ReaderAt, size int64) (int64, error) {
	if size < eocdMinSize {
		return 0, errors.New("file too small for a zip archive")
	}
	window := int64(eocdMinSize + eocdMaxComment)
	if window > size {
		window = size
	}
	tail := make([]byte, window)
	if _, err := r.ReadAt(tail, size-window); err != nil {
		return 0, fmt.Errorf("read archive tail: %w", err)
	}
	sig := make([]byte, 4)
	binary.LittleEndian.PutUint32(sig, eocdSignature)
	for i := len(tail) - eocdMinSize; i >= 0; i-- {
		if !bytes.Equal(tail[i:i+4], sig) {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(tail[i+20 : i+22]))
		if i+eocdMinSize+commentLen != len(tail) {
			continue
		}
		off := int64(binary.LittleEndian.Uint32(tail[i+16 : i+20]))
		eocdAt := size - window + int64(i)
		if off > eocdAt {
			return 0, errors.New("central directory offset out of range")
		}
		return off, nil
	}
	return 0, errors.New("end of central directory not found")
}

// lengthPrefixed splits one uint32-length-prefixed value off b.
func lengthPrefixed(b []byte) (value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errMalformed
	}
	n := binary.LittleEndian.Uint32(b[:4])
	if uint64(n) > uint64(len(b)-4) {
		return nil, nil, errMalformed
	}
	return b[4 : 4+n], b[4+n:], nil
}

// firstCertificate returns the first certificate of the first signer in a
// v2 or v3 scheme block. Both schemes share the signer and signed-data
// prefix: signers -> signer -> signed data -> digests, certificates.
func firstCertificate(scheme []byte) ([]byte, error) {
	signers, _, err := lengthPrefixed(scheme)
	if err != nil {
		return nil, err
	}
	signer, _, err := lengthPrefixed(signers)
	if err != nil {
		return nil, err
	}
	signedData, _, err := lengthPrefixed(signer)
	if err != nil {
		return nil, err
	}
	_, rest, err := lengthPrefixed(signedData) // digests
	if err != nil {
		return nil, err
	}
	certs, _, err := lengthPrefixed(rest)
	if err != nil {
		return nil, err
	}
	cert, _, err := lengthPrefixed(certs)
	if err != nil {
		return nil, err
	}
	if len(cert) == 0 {
		return nil, errors.New("empty certificate")
	}
	return cert, nil
}

// SignerCertificate opens the package at path and returns the canonical
// signer certificate along with the scheme block it came from.
func SignerCertificate(path string) ([]byte, uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ksuerr.New(ksuerr.NotFound, "trust.fingerprint", path, err)
		}
		return nil, 0, ksuerr.New(ksuerr.IoError, "trust.fingerprint", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, 0, ksuerr.New(ksuerr.IoError, "trust.fingerprint", path, err)
	}
	blocks, err := readSigningBlock(f, st.Size())
	if err != nil {
		return nil, 0, ksuerr.New(ksuerr.SignatureError, "trust.fingerprint", path, err)
	}
	for _, id := range blockPrecedence {
		scheme, ok := blocks[id]
		if !ok {
			continue
		}
		cert, err := firstCertificate(scheme)
		if err != nil {
			return nil, 0, ksuerr.New(ksuerr.SignatureError, "trust.fingerprint", path,
				fmt.Errorf("scheme block %#x: %w", id, err))
		}
		return cert, id, nil
	}
	return nil, 0, ksuerr.Errorf(ksuerr.SignatureError, "trust.fingerprint", path, "no recognized signer block")
}
