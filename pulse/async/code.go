package async

import (
	"math/rand/v2"
	"strings"
	"time"
)

const (
	codePrefix    = "Q"
	codeMinLength = 16
	codeRandom    = 4
)

// GenerateCode returns a task code: "Q", the local date/time as
// yyyyMMddHHmmss and random digits, at least codeMinLength characters long.
func GenerateCode(now time.Time) string {
	var b strings.Builder
	b.WriteString(codePrefix)
	b.WriteString(now.Format("20060102150405"))
	for i := 0; i < codeRandom || b.Len() < codeMinLength; i++ {
		b.WriteByte(byte('0' + rand.IntN(10)))
	}
	return b.String()
}
