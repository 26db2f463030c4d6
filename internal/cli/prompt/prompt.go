// Package prompt wraps promptui for the interactive init walkthrough.
package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the user cancels a prompt with Ctrl+C.
var ErrAborted = errors.New("aborted")

// IsAborted reports whether err means the user cancelled the prompt.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort)
}

// normalize collapses promptui's interrupt and abort errors into
// ErrAborted so callers have a single cancellation sentinel.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	if IsAborted(err) {
		return ErrAborted
	}
	return err
}

// Input prompts for a line of text, pre-filled with defaultValue.
func Input(label, defaultValue string) (string, error) {
	p := promptui.Prompt{Label: label, Default: defaultValue}
	v, err := p.Run()
	return v, normalize(err)
}

// InputRequired prompts for a line of text that must not be empty.
func InputRequired(label string) (string, error) {
	p := promptui.Prompt{
		Label: label,
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("a value is required")
			}
			return nil
		},
	}
	v, err := p.Run()
	return v, normalize(err)
}

// InputOptional prompts for a line of text that may be left empty.
func InputOptional(label string) (string, error) {
	p := promptui.Prompt{Label: label}
	v, err := p.Run()
	return v, normalize(err)
}

// InputPort prompts for a TCP port number.
func InputPort(label string, defaultValue int) (int, error) {
	p := promptui.Prompt{
		Label:   label,
		Default: strconv.Itoa(defaultValue),
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > 65535 {
				return errors.New("must be a port between 1 and 65535")
			}
			return nil
		},
	}
	v, err := p.Run()
	if err != nil {
		return 0, normalize(err)
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

// Password prompts for a masked secret.
func Password(label string) (string, error) {
	p := promptui.Prompt{Label: label, Mask: '*'}
	v, err := p.Run()
	return v, normalize(err)
}

// Confirm asks a yes/no question. Enter accepts defaultYes.
func Confirm(label string, defaultYes bool) (bool, error) {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	p := promptui.Prompt{
		Label:     fmt.Sprintf("%s [%s]", label, hint),
		IsConfirm: true,
	}
	v, err := p.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return false, ErrAborted
		}
		// promptui signals a "no" answer through ErrAbort.
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		if v == "" {
			return defaultYes, nil
		}
		return false, err
	}
	v = strings.ToLower(v)
	return v == "y" || v == "yes", nil
}

// SelectOption is one entry in a Select list.
type SelectOption struct {
	Label       string
	Value       string
	Description string
}

// Select asks the user to pick one option and returns its Value.
func Select(label string, options []SelectOption) (string, error) {
	p := promptui.Select{
		Label: label,
		Items: options,
		Templates: &promptui.SelectTemplates{
			Label:    "{{ . }}",
			Active:   "> {{ .Label | cyan }}",
			Inactive: "  {{ .Label }}",
			Selected: "* {{ .Label | green }}",
		},
	}
	i, _, err := p.Run()
	if err != nil {
		return "", normalize(err)
	}
	return options[i].Value, nil
}
