package main

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/spf13/afero"
)

// Bank owns the question bank file of record. Replacements are validated
// before the old file is touched, and the old file is backed up first.
type Bank struct {
	fs   afero.Fs
	path string
}

func newBank(fs afero.Fs, path string) *Bank {
	return &Bank{
		fs:   fs,
		path: path,
	}
}

func (b *Bank) load(cfg *Config) ([]Question, error) {
	return loadBankFile(cfg, b.fs, b.path)
}

// replace validates the uploaded csv source, backs up the prior bank with a
// timestamped copy, and writes the new source as the bank of record. The
// prior bank stays active if anything fails.
func (b *Bank) replace(cfg *Config, source string) ([]Question, error) {
	questions, err := parseBank(cfg, "upload", strings.NewReader(source))
	if err != nil {
		return nil, err
	}

	if err := b.backup(cfg); err != nil {
		return nil, err
	}

	if err := afero.WriteFile(b.fs, b.path, []byte(source), 0o644); err != nil {
		return nil, &PersistenceError{Path: b.path, Err: err}
	}

	return questions, nil
}

func (b *Bank) backup(cfg *Config) error {
	data, err := afero.ReadFile(b.fs, b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &PersistenceError{Path: b.path, Err: err}
	}

	backupPath := b.path + "." + time.Now().Format("20060102-150405") + ".bak"
	if err := afero.WriteFile(b.fs, backupPath, data, 0o644); err != nil {
		return &PersistenceError{Path: backupPath, Err: err}
	}

	logf(cfg, "BANK: Backed up prior question bank to %s", backupPath)

	return nil
}

// serveBankUpload accepts a replacement question bank, either as a multipart
// form file named "bank" or as a raw csv body, and runs it through the hub
// so the swap is serialized with every other command.
func serveBankUpload(cfg *Config, hub *Hub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		source, err := readUploadSource(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reply := make(chan *CommandError, 1)
		hub.commands <- commandRequest{
			reply: reply,
			msg: ClientMessage{
				Type:   cmdReplaceQuestionBank,
				Source: source,
			},
		}

		if cmdErr := <-reply; cmdErr != nil {
			http.Error(w, cmdErr.Reason, http.StatusBadRequest)
			return
		}

		logf(cfg, "BANK: Question bank replaced by %s", realIP(r))

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Ok\n"))
	}
}

func readUploadSource(r *http.Request) (string, error) {
	file, _, err := r.FormFile("bank")
	if err == nil {
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("empty upload")
	}

	return string(data), nil
}
