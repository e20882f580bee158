package taskdoc

const sampleDoc = `# Deploy checklist

**Status:** in progress
**Progress:** 0%
**Last update:** 2024-01-01

## Goal

Ship the release.

## Task 1: Prepare

### Step 1: Say hi

  - [ ] Done

  ` + "```js executable" + `
  console.log("hi")
  ` + "```" + `

  Expected result: prints hi

  Result:
  (empty)

  Verification:
    - [ ] passed.

### Step 2: Check notes

  - [ ] Done

  Expected result: notes reviewed

  Result:
  (empty)

  Verification:
    - [ ] passed.

## Task 2: Release

### Step 3: Tag

  - [x] Done

  ` + "```bash executable optional" + `
  git tag v1
  ` + "```" + `

  Expected result: tag exists

  Result:
  tagged

  Verification:
    - [x] passed.

### Step 4: Announce

  - [ ] Done

  Expected result: message sent

  Result:
  (empty)

  Verification:
    - [ ] passed.
`

// fencedHeadingDoc has a step whose expected result quotes document
// headings inside a markdown fence.
const fencedHeadingDoc = `# Template

**Status:** in progress
**Progress:** 0%
**Last update:** 2024-01-01

## Goal

Write the template.

## Task 1: Draft

### Step 1: Outline

  - [ ] Done

  Expected result: the outline reads
  ` + "```markdown" + `
  ### Step 9: example
  ## Task 3: x
  ` + "```" + `

  Result:
  (empty)

  Keep the logs for the auditors.

  Verification:
    - [ ] passed.
`
