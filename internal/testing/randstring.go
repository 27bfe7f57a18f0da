package testing

import (
	"github.com/google/uuid"
	"math/rand"
	"strconv"
	"strings"
)

// RandString generates random string with 10 symbols length from lower- and uppercase alphabet
func RandString() string {
	var out strings.Builder
	charSet := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	length := 10
	for i := 0; i < length; i++ {
		random := rand.Intn(len(charSet))
		randomChar := charSet[random]
		out.WriteString(string(randomChar))
	}
	return out.String()
}

// RandPhone generates a random brazilian mobile number in normalized form, e.g. +5511987654321
func RandPhone() string {
	return "+55119" + strconv.Itoa(10000000+rand.Intn(89999999))
}

// NewID returns a fresh profile or venue identity
func NewID() string {
	return uuid.NewString()
}
