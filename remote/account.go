// SPDX-License-Identifier: MIT
// Auditor - Remote verification accounts
//
// An auditee enrolls in scheduled remote verification by scanning an
// account string of the form
//
//   <domain> <userId> <subscribeKey> <intervalSeconds>
//
// Each account gets its own pairing namespace and its own attestation key,
// so clearing a remote account never touches local pairings.

package remote

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DefaultDomain = "attestation.app"

// shortest schedule a server may request
const MinInterval = 60 * time.Second

var ErrInvalidAccount = errors.New("invalid remote verification account")

type Account struct {
	Domain       string        `json:"domain"`
	UserID       int64         `json:"user_id"`
	SubscribeKey string        `json:"subscribe_key"`
	Interval     time.Duration `json:"interval"`
}

// parses an enrollment string issued by domain
// fields past the fourth are ignored
func ParseAccount(s, domain string) (*Account, error) {
	if domain == "" {
		domain = DefaultDomain
	}

	values := strings.Split(strings.TrimSpace(s), " ")
	if len(values) < 4 {
		return nil, fmt.Errorf("%w: expected 4 fields, got %d", ErrInvalidAccount, len(values))
	}
	if values[0] != domain {
		return nil, fmt.Errorf("%w: domain %q is not %q", ErrInvalidAccount, values[0], domain)
	}

	userID, err := strconv.ParseInt(values[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: user id: %v", ErrInvalidAccount, err)
	}
	if values[2] == "" {
		return nil, fmt.Errorf("%w: empty subscribe key", ErrInvalidAccount)
	}
	seconds, err := strconv.ParseInt(values[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: interval: %v", ErrInvalidAccount, err)
	}
	interval := time.Duration(seconds) * time.Second
	if interval < MinInterval {
		return nil, fmt.Errorf("%w: interval %s below minimum %s", ErrInvalidAccount, interval, MinInterval)
	}

	return &Account{
		Domain:       values[0],
		UserID:       userID,
		SubscribeKey: values[2],
		Interval:     interval,
	}, nil
}

// pairing namespace and key handle for this account
func (a *Account) Namespace() string {
	return NamespaceFor(a.UserID)
}

// identity the auditor pins the auditee's key under
func (a *Account) Identity() string {
	return strconv.FormatInt(a.UserID, 10)
}

func (a *Account) String() string {
	return fmt.Sprintf("%s %d %s %d", a.Domain, a.UserID, a.SubscribeKey, int64(a.Interval/time.Second))
}

func NamespaceFor(userID int64) string {
	return "remote:" + strconv.FormatInt(userID, 10)
}

// reports whether ns belongs to a remote account
func IsRemoteNamespace(ns string) bool {
	return strings.HasPrefix(ns, "remote:")
}
