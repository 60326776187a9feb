// File: internal/contacts/password.go
package contacts

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Character classes the portals require in a sub account password.
const (
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars   = "0123456789"
	specialChars = "!@#$%^&*"
)

const allChars = lowerChars + upperChars + digitChars + specialChars

// GeneratePassword builds a portal acceptable password: 8 to 15
// characters, at least one from each class, remainder uniform over all
// classes, order shuffled. The randomness source is crypto/rand.
func GeneratePassword() (string, error) {
	n, err := randInt(8)
	if err != nil {
		return "", err
	}
	length := n + 8 // 8..15

	buf := make([]byte, 0, length)
	for _, class := range []string{lowerChars, upperChars, digitChars, specialChars} {
		i, err := randInt(len(class))
		if err != nil {
			return "", err
		}
		buf = append(buf, class[i])
	}
	for len(buf) < length {
		i, err := randInt(len(allChars))
		if err != nil {
			return "", err
		}
		buf = append(buf, allChars[i])
	}

	// Fisher-Yates so the mandatory class characters do not cluster at
	// the front.
	for i := len(buf) - 1; i > 0; i-- {
		j, err := randInt(i + 1)
		if err != nil {
			return "", err
		}
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf), nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return int(v.Int64()), nil
}
