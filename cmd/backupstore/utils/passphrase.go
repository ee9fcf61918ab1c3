/*
 * Copyright (c) 2021 Gilles Chehade <gilles@poolp.org>
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package utils

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var ErrNoTerminal = errors.New("passphrase required but standard input is not a terminal")

// Interactive reports whether passphrases can be prompted for.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func readPassword(w io.Writer, prompt string) ([]byte, error) {
	fmt.Fprintf(w, "%s: ", prompt)
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintf(w, "\n")
	return passphrase, err
}

func GetPassphrase(prefix string) ([]byte, error) {
	if !Interactive() {
		return nil, ErrNoTerminal
	}
	return readPassword(os.Stderr, prefix+" passphrase")
}

func GetPassphraseConfirm(prefix string) ([]byte, error) {
	if !Interactive() {
		return nil, ErrNoTerminal
	}

	passphrase1, err := readPassword(os.Stderr, prefix+" passphrase")
	if err != nil {
		return nil, err
	}
	if len(passphrase1) == 0 {
		return nil, errors.New("empty passphrase")
	}

	passphrase2, err := readPassword(os.Stderr, prefix+" passphrase (confirm)")
	if err != nil {
		return nil, err
	}

	if string(passphrase1) != string(passphrase2) {
		return nil, errors.New("passphrases mismatch")
	}
	return passphrase1, nil
}
