package continuity

import (
	"fmt"
	"strings"
	"testing"

	"scenejobs/internal/domain"
)

func makeScenes(n int) []domain.Scene {
	scenes := make([]domain.Scene, n)
	for i := range scenes {
		scenes[i] = domain.Scene{
			Number:      i + 1,
			Description: fmt.Sprintf("Mara walking through the market, scene %d", i+1),
			Visual:      domain.VisualMeta{Location: []string{"Market", "Harbor", "market"}[i%3]},
		}
	}
	return scenes
}

func TestBuildFullHistoryForShortJobs(t *testing.T) {
	b := NewBuilder(0)
	chars := domain.CharacterRegistry{"Mara": domain.FreeText("tall woman, red scarf")}
	got := b.Build("job-1", makeScenes(3), chars)

	if !strings.Contains(got, "- Mara: tall woman, red scarf") {
		t.Fatalf("missing character descriptor:\n%s", got)
	}
	for i := 1; i <= 3; i++ {
		if !strings.Contains(got, fmt.Sprintf("Scene %d:", i)) {
			t.Fatalf("missing scene %d:\n%s", i, got)
		}
	}
	if strings.Contains(got, "STORY SO FAR") {
		t.Fatalf("short history should not be summarized:\n%s", got)
	}
}

func TestBuildSummarizesLongHistory(t *testing.T) {
	b := NewBuilder(2)
	scenes := makeScenes(8)
	scenes[2].Description = "A crowd dancing and singing near the building"
	got := b.Build("job-1", scenes, nil)

	if !strings.Contains(got, "STORY SO FAR: 8 scenes generated.") {
		t.Fatalf("missing summary:\n%s", got)
	}
	if !strings.Contains(got, "Locations already covered: Market, Harbor") {
		t.Fatalf("locations not deduplicated:\n%s", got)
	}
	if !strings.Contains(got, "walking") || !strings.Contains(got, "dancing") || !strings.Contains(got, "singing") {
		t.Fatalf("missing actions:\n%s", got)
	}
	if strings.Contains(got, "Actions already shown: walking, dancing, singing, building") {
		t.Fatalf("stoplisted word leaked into actions:\n%s", got)
	}
	if strings.Contains(got, "Scene 6:") || !strings.Contains(got, "Scene 7:") || !strings.Contains(got, "Scene 8:") {
		t.Fatalf("recent scenes window wrong:\n%s", got)
	}
}

func TestBuildMemoizesPerJob(t *testing.T) {
	b := NewBuilder(0)
	scenes := makeScenes(2)
	first := b.Build("job-1", scenes, nil)

	// Same shape and content: the cached text comes back.
	if again := b.Build("job-1", scenes, nil); again != first {
		t.Fatal("expected cache hit")
	}

	// Same counts, different content: rebuilt.
	changed := makeScenes(2)
	changed[1].Description = "Something else entirely"
	if rebuilt := b.Build("job-1", changed, nil); rebuilt == first {
		t.Fatal("expected rebuild for different content")
	}

	if other := b.Build("job-2", makeScenes(1), nil); other == first {
		t.Fatal("contexts leaked across jobs")
	}
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
	b.Invalidate("job-1")
	b.Invalidate("job-2")
	if b.Len() != 0 {
		t.Fatalf("Len after invalidate = %d", b.Len())
	}
}

func TestBuildRendersSkeletons(t *testing.T) {
	b := NewBuilder(0)
	chars := domain.CharacterRegistry{
		"Ivo": domain.Skeleton(domain.CharacterSkeleton{Gender: "male", Age: "40s", Hair: "grey buzz cut"}),
	}
	got := b.Build("job-1", nil, chars)
	if got != "ESTABLISHED CHARACTERS (reuse each description exactly as written):\n- Ivo: gender: male; age: 40s; hair: grey buzz cut" {
		t.Fatalf("unexpected context:\n%q", got)
	}
}

func TestBuildEmpty(t *testing.T) {
	if got := NewBuilder(0).Build("job-1", nil, nil); got != "" {
		t.Fatalf("expected empty context, got %q", got)
	}
}
