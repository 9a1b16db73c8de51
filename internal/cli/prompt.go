package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// confirm asks a yes/no question on out and reads the answer from in. An
// empty answer takes def.
func confirm(in io.Reader, out io.Writer, question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	for {
		fmt.Fprintf(out, "%s %s ", question, hint)
		line, err := readLine(in)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(out, "Please answer yes or no.")
	}
}

// readLine reads up to a newline one byte at a time, so a later prompt on
// the same reader sees the rest of the input.
func readLine(in io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				return sb.String(), nil
			}
			sb.WriteByte(buf[0])
		}
		if errors.Is(err, io.EOF) {
			if sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", errors.New("no answer: input closed")
		}
		if err != nil {
			return "", err
		}
	}
}
