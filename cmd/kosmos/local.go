package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fentz26/kosmos/internal/audit"
	"github.com/fentz26/kosmos/internal/connectors/jsvm"
	"github.com/fentz26/kosmos/internal/controlplane"
	"github.com/fentz26/kosmos/internal/docstore"
	"github.com/fentz26/kosmos/internal/llm"
	"github.com/fentz26/kosmos/internal/store"
)

// backend is an in-process control plane over one document directory.
type backend struct {
	svc   *controlplane.Service
	store *store.Store
	docs  *docstore.Store
}

func openBackend(dir string) (*backend, error) {
	docs, err := docstore.New(dir)
	if err != nil {
		return nil, err
	}
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	opts := controlplane.Options{Logger: logger, LockTTL: cfg.LockTTL}
	if cfg.LLM.Enabled() {
		opts.Generator = llm.NewClient(cfg.LLM.ServerURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout)
	}
	svc := controlplane.NewService(docs, st, audit.NewPDRWriter(st), jsvm.New(cfg.ExecTimeout), opts)
	return &backend{svc: svc, store: st, docs: docs}, nil
}

func (b *backend) Close() error {
	return b.store.Close()
}

// resolveDoc splits a document argument into its directory and file name.
// A bare name that does not exist in the working directory refers to the
// data directory.
func resolveDoc(arg string) (dir, name string) {
	if strings.ContainsAny(arg, `/\`) {
		return filepath.Dir(arg), filepath.Base(arg)
	}
	if _, err := os.Stat(arg); err == nil {
		return ".", arg
	}
	return cfg.DataDir, arg
}

// openDoc opens a backend for the directory holding arg and returns the
// document name inside it.
func openDoc(arg string) (*backend, string, error) {
	dir, name := resolveDoc(arg)
	if err := docstore.CheckName(name); err != nil {
		return nil, "", err
	}
	b, err := openBackend(dir)
	if err != nil {
		return nil, "", err
	}
	return b, name, nil
}

// readDoc loads the text of arg without touching the database.
func readDoc(arg string) (string, string, error) {
	dir, name := resolveDoc(arg)
	if err := docstore.CheckName(name); err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", "", err
	}
	return string(data), name, nil
}
