package wire

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// GreetingSize is the size of the greeting written on accept: two 64 byte
// lines, each terminated by a newline.
const GreetingSize = 128

const greetingLine = GreetingSize / 2

// Greeting renders the server greeting. The first line names the server
// version and instance id, the second carries the base64 encoded salt.
func Greeting(version, instance string, salt []byte) []byte {
	out := make([]byte, 0, GreetingSize)
	out = appendLine(out, fmt.Sprintf("Tarantool %s (Binary) %s", version, instance))
	out = appendLine(out, base64.StdEncoding.EncodeToString(salt))
	return out
}

func appendLine(dst []byte, text string) []byte {
	if len(text) > greetingLine-1 {
		text = text[:greetingLine-1]
	}
	dst = append(dst, text...)
	dst = append(dst, strings.Repeat(" ", greetingLine-1-len(text))...)
	return append(dst, '\n')
}

// ParseGreeting returns the version banner and salt encoded in a greeting.
func ParseGreeting(b []byte) (banner string, salt []byte, err error) {
	if len(b) != GreetingSize || b[greetingLine-1] != '\n' || b[GreetingSize-1] != '\n' {
		return "", nil, fmt.Errorf("wire: malformed greeting")
	}
	banner = strings.TrimRight(string(b[:greetingLine-1]), " ")
	salt, err = base64.StdEncoding.DecodeString(strings.TrimRight(string(b[greetingLine:GreetingSize-1]), " "))
	if err != nil {
		return "", nil, fmt.Errorf("wire: greeting salt: %w", err)
	}
	return banner, salt, nil
}
