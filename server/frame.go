// SPDX-License-Identifier: MIT
// Auditor - Socket framing
//
// Every message on the socket is a frame:
//   uint32   payload length (big endian)
//   byte[n]  payload
//
// Exchange (auditor is the listening side):
//   1. auditor -> auditee   serialized challenge
//   2. auditee -> auditor   serialized attestation message
//   3. auditor -> auditee   JSON Result

package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/octocorvus/Auditor/types"
)

// upper bound for any frame, matches config.MaxFrameSize
const MaxFrameSize = 64 * 1024

// challenge frames are tiny; anything larger is not a challenge
const maxChallengeFrame = 1024

var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// outcome of one socket verification
type Result struct {
	OK           bool   `json:"ok"`
	Strong       bool   `json:"strong"`
	FirstPairing bool   `json:"first_pairing,omitempty"`
	Downgraded   bool   `json:"downgraded,omitempty"`
	Identity     string `json:"identity,omitempty"`

	// error kind label, empty on success
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`

	TEEEnforced string `json:"tee_enforced,omitempty"`
	OSEnforced  string `json:"os_enforced,omitempty"`
	History     string `json:"history,omitempty"`
}

// returns the sentinel for a failed result, nil on success
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if err := types.ErrorForKind(r.Error); err != nil {
		if r.Detail != "" {
			return fmt.Errorf("%w (auditor: %s)", err, r.Detail)
		}
		return err
	}
	return fmt.Errorf("verification failed: %s", r.Detail)
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
