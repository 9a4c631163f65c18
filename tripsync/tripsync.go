package tripsync

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

/*
Synchronizes a shared trip document across many clients with properties:
- every committed mutation is observed by all subscribed sessions in commit order
- concurrent mutations to the same collection are merged, never rejected
- mutations issued while offline are queued and replayed in order on reconnect
- a newly subscribed session always receives the current document first

*/

// the code alphabet excludes lookalike characters (I/1, O/0, B/8, S/5)
const tripCodeAlphabet = "ACDEFGHJKLMNPQRTUVWXYZ234679"

const TripCodeLength = 6

// short human-typeable identifier for a shared trip document
type TripCode string

func NewTripCode() TripCode {
	codeBytes := make([]byte, TripCodeLength)
	_, err := rand.Read(codeBytes)
	if err != nil {
		panic(err)
	}
	code := make([]byte, TripCodeLength)
	for i, b := range codeBytes {
		code[i] = tripCodeAlphabet[int(b)%len(tripCodeAlphabet)]
	}
	return TripCode(code)
}

func ParseTripCode(codeStr string) (TripCode, error) {
	code := strings.ToUpper(strings.TrimSpace(codeStr))
	if len(code) != TripCodeLength {
		return "", fmt.Errorf("Trip code must be %d characters: %s", TripCodeLength, codeStr)
	}
	for _, c := range code {
		if !strings.ContainsRune(tripCodeAlphabet, c) {
			return "", fmt.Errorf("Trip code has invalid character: %c", c)
		}
	}
	return TripCode(code), nil
}

func (self TripCode) String() string {
	return string(self)
}

// monotonic per-document commit counter assigned by the store
type Version = int64

// comparable
type Id [16]byte

// ids are time-ordered so that client-generated entry ids
// sort by creation without central allocation
func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", src)
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
