package dispatch

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

var roomSuffixSpace = big.NewInt(10_000_000_000)

// NewRoomName returns "<prefix>-<10 random digits>". It keeps no state and is
// safe for concurrent use.
func NewRoomName(prefix string) string {
	return newRoomName(prefix, rand.Reader)
}

func newRoomName(prefix string, src io.Reader) string {
	n, err := rand.Int(src, roomSuffixSpace)
	if err != nil {
		// crypto/rand.Reader does not fail on supported platforms
		panic(fmt.Sprintf("room name entropy: %v", err))
	}
	return fmt.Sprintf("%s-%010d", prefix, n)
}
