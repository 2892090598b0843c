// SPDX-License-Identifier: MIT
// Auditor - Payload transport encodings
//
// Protocol messages are binary. For transports that only carry text they
// are written as base64, or as latin1: every byte becomes the ISO-8859-1
// character with the same code point, which is what byte-mode QR codes use.

package cmd

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

const (
	EncodingRaw    = "raw"
	EncodingBase64 = "base64"
	EncodingLatin1 = "latin1"
)

var encodings = []string{EncodingRaw, EncodingBase64, EncodingLatin1}

// converts protocol bytes to their on-disk form
func encodePayload(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingRaw, "":
		return data, nil
	case EncodingBase64:
		return append(base64.StdEncoding.AppendEncode(nil, data), '\n'), nil
	case EncodingLatin1:
		return charmap.ISO8859_1.NewDecoder().Bytes(data)
	}
	return nil, fmt.Errorf("unknown encoding %q (want %s)", encoding, strings.Join(encodings, ", "))
}

// reverses encodePayload
func decodePayload(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingRaw, "":
		return data, nil
	case EncodingBase64:
		out, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
		return out, nil
	case EncodingLatin1:
		out, err := charmap.ISO8859_1.NewEncoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("payload is not latin1 text: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown encoding %q (want %s)", encoding, strings.Join(encodings, ", "))
}

// reads path, or stdin for "" and "-"
func readPayload(path, encoding string, stdin io.Reader) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return decodePayload(data, encoding)
}

// writes to path, or stdout for "" and "-"
func writePayload(path, encoding string, data []byte, stdout io.Writer) error {
	out, err := encodePayload(data, encoding)
	if err != nil {
		return err
	}
	if path == "" || path == "-" {
		_, err = stdout.Write(out)
		return err
	}
	return os.WriteFile(path, out, 0600)
}
