// Package display decides between JSON and human output for CLI commands.
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

// OutputEnv forces JSON output for every command when set to "json".
const OutputEnv = "DOCE_OUTPUT"

// ShouldOutputJSON reports whether cmd should print JSON. An explicit --json flag
// wins; otherwise DOCE_OUTPUT=json turns JSON on.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil {
		if f := cmd.Flags().Lookup("json"); f != nil && f.Changed {
			v, _ := cmd.Flags().GetBool("json")
			return v
		}
	}
	return strings.EqualFold(os.Getenv(OutputEnv), "json")
}

// MarshalJSON renders v as indented JSON.
func MarshalJSON(v interface{}) ([]byte, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal JSON")
	}
	return out, nil
}

// OutputJSON writes v to stdout as indented JSON.
func OutputJSON(v interface{}) error {
	return WriteJSON(os.Stdout, v)
}

// WriteJSON writes v to w as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
