package controlplane

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/kosmos/internal/audit"
	"github.com/fentz26/kosmos/internal/connectors/jsvm"
	"github.com/fentz26/kosmos/internal/docstore"
	"github.com/fentz26/kosmos/internal/llm"
	"github.com/fentz26/kosmos/internal/store"
)

const docName = "release.kosmos.md"

const releaseDoc = `# Release

**Status:** in progress
**Progress:** 20%
**Last update:** 2024-01-01

## Goal

Ship it.

## Task 1: Checks

### Step 1: Add

  - [ ] Done

  ` + "```js executable" + `
  console.log(1 + 2)
  ` + "```" + `

  Expected result: prints 3

  Result:
  (empty)

  Verification:
    - [ ] passed.

### Step 2: Throw

  - [ ] Done

  ` + "```js executable" + `
  throw new Error("boom")
  ` + "```" + `

  Expected result: fails

  Result:
  (empty)

  Verification:
    - [ ] passed.

### Step 3: Shell

  - [ ] Done

  ` + "```bash executable" + `
  ls
  ` + "```" + `

  Expected result: files listed

  Result:
  (empty)

  Verification:
    - [ ] passed.

### Step 4: Review

  - [ ] Done

  Expected result: reviewed

  Result:
  (empty)

  Verification:
    - [ ] passed.

## Task 2: Earlier

### Step 5: Old

  - [x] Done

  Expected result: ok

  Result:
  done

  Verification:
    - [x] passed.
`

var fixedNow = func() time.Time { return time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC) }

type fakeGenerator struct {
	reply string
	err   error
	calls int
}

func (f *fakeGenerator) Generate(context.Context, []llm.Message) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeGenerator) Model() string { return "fake" }

type testEnv struct {
	svc   *Service
	store *store.Store
	docs  *docstore.Store
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	docs, err := docstore.New(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("Failed to create docstore: %v", err)
	}
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	svc := NewService(docs, st, audit.NewPDRWriter(st), jsvm.New(time.Second), opts)
	return &testEnv{svc: svc, store: st, docs: docs}
}

// withDoc stores releaseDoc under docName.
func (e *testEnv) withDoc(t *testing.T) *testEnv {
	t.Helper()
	if err := e.svc.CreateDocument(docName, releaseDoc); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	return e
}

func (e *testEnv) text(t *testing.T) string {
	t.Helper()
	text, err := e.docs.Load(docName)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return text
}
