package fingerprint

import (
	"math/rand"
	"testing"

	"github.com/healloop/healloop/pkg/project"
)

func sampleFiles() project.Files {
	return project.Files{
		{Path: "app/page.tsx", Content: "export default function Page() { return <main/> }"},
		{Path: "app/layout.tsx", Content: "export default function Layout({children}) { return children }"},
		{Path: "package.json", Content: `{"dependencies":{"next":"14.2.0"}}`},
		{Path: "lib/util.ts", Content: "export const add = (a: number, b: number) => a + b"},
	}
}

func TestCompute_OrderIndependent(t *testing.T) {
	files := sampleFiles()
	want := Compute(files)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make(project.Files, len(files))
		copy(shuffled, files)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		if got := Compute(shuffled); got != want {
			t.Fatalf("shuffle %d: fingerprint = %s, want %s", i, got, want)
		}
	}
}

func TestCompute_DuplicatePaths(t *testing.T) {
	a := project.Files{
		{Path: "app/page.tsx", Content: "first"},
		{Path: "package.json", Content: "{}"},
		{Path: "./app/page.tsx", Content: "second"},
	}
	b := project.Files{a[2], a[1], a[0]}

	if Compute(a) != Compute(b) {
		t.Error("fingerprint depends on the order of duplicate paths")
	}
}

func TestCompute_SameLengthMutation(t *testing.T) {
	files := sampleFiles()
	original := Compute(files)

	mutated := make(project.Files, len(files))
	copy(mutated, files)
	mutated[3].Content = "export const add = (a: number, b: number) => a - b"

	if len(mutated[3].Content) != len(files[3].Content) {
		t.Fatal("test setup: mutation must preserve length")
	}
	if Compute(mutated) == original {
		t.Error("expected fingerprint to change on same-length content edit")
	}
}

func TestCompute_PathChange(t *testing.T) {
	a := project.Files{{Path: "a.ts", Content: "x"}}
	b := project.Files{{Path: "b.ts", Content: "x"}}

	if Compute(a) == Compute(b) {
		t.Error("expected fingerprint to change when a path changes")
	}
}

func TestCompute_FieldBoundaries(t *testing.T) {
	a := project.Files{{Path: "ab", Content: "c"}}
	b := project.Files{{Path: "a", Content: "bc"}}

	if Compute(a) == Compute(b) {
		t.Error("expected path/content boundary shifts to change the fingerprint")
	}
}

func TestCompute_EquivalentPaths(t *testing.T) {
	a := project.Files{{Path: "./src/main.ts", Content: "x"}}
	b := project.Files{{Path: "src/main.ts", Content: "x"}}

	if Compute(a) != Compute(b) {
		t.Error("expected normalized paths to hash identically")
	}
}

func TestCompute_DoesNotMutateInput(t *testing.T) {
	files := sampleFiles()
	first := files[0].Path

	Compute(files)

	if files[0].Path != first {
		t.Error("Compute reordered the caller's slice")
	}
}

func TestTracker(t *testing.T) {
	tracker := NewTracker()
	fp := Compute(sampleFiles())

	if !tracker.Changed(fp) {
		t.Error("empty tracker should report change")
	}

	tracker.MarkBuilt(fp)
	if tracker.Changed(fp) {
		t.Error("tracker should not report change for the built fingerprint")
	}
	if tracker.Last() != fp {
		t.Errorf("Last() = %s, want %s", tracker.Last(), fp)
	}

	other := Compute(project.Files{{Path: "x", Content: "y"}})
	if !tracker.Changed(other) {
		t.Error("tracker should report change for a different fingerprint")
	}

	tracker.Reset()
	if !tracker.Changed(fp) {
		t.Error("reset tracker should report change")
	}
}
