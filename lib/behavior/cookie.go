// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package behavior

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
)

// cookieDomainKey is the BLAKE3 key for build cookies: the ASCII of
// "buildfarm.cookie" zero-padded to 32 bytes. Changing it makes every
// worker look lost to a running manager.
var cookieDomainKey = [32]byte{
	'b', 'u', 'i', 'l', 'd', 'f', 'a', 'r', 'm', '.',
	'c', 'o', 'o', 'k', 'i', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// cookieDigestBytes is how much of the digest is kept in a cookie.
const cookieDigestBytes = 8

// BuildCookie returns the token a worker reports while it holds job.
// It is stable for the life of the queue entry, including across
// resets, and differs between two entries for the same build.
//
// The readable prefix is for operators reading worker status; only the
// whole string is compared.
func BuildCookie(job buildfarm.Job) string {
	hasher, err := blake3.NewKeyed(cookieDomainKey[:])
	if err != nil {
		panic("behavior: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var ids [16]byte
	binary.BigEndian.PutUint64(ids[:8], uint64(job.ID))
	binary.BigEndian.PutUint64(ids[8:], uint64(job.BuildID))
	hasher.Write([]byte(job.Type))
	hasher.Write(ids[:])

	digest := hasher.Sum(nil)
	return fmt.Sprintf("%s-%d-%s", job.Type, job.BuildID, hex.EncodeToString(digest[:cookieDigestBytes]))
}
