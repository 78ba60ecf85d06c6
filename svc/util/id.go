package util

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idBytes     = 12
	idLen       = 17
)

// GenID returns a random base62 document id that exists() reports as free.
func GenID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < 5; retry++ {
		buf := make([]byte, idBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		id := toBase62(new(big.Int).SetBytes(buf))
		exist, err := exists(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", errors.New("id collision after 5 retries")
}
func NewOperationID() string {
	return uuid.NewString()
}
func toBase62(num *big.Int) string {
	if num.Sign() == 0 {
		return string(base62Chars[0])
	}
	base := big.NewInt(62)
	result := make([]byte, 0, idLen)
	zero := big.NewInt(0)
	temp := new(big.Int).Set(num)
	for temp.Cmp(zero) > 0 {
		mod := new(big.Int)
		temp.DivMod(temp, base, mod)
		result = append(result, base62Chars[mod.Int64()])
	}
	for len(result) < idLen {
		result = append(result, base62Chars[0])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}
