package realtime

import (
	"math/rand"
	"testing"
	"time"

	"chatrelay/cmd/identity"
)

func TestPresenceTable_JoinLeaveCounts(t *testing.T) {
	t.Parallel()

	p := NewPresenceTable()
	now := time.Now().UTC()
	ada := identity.New("ada", "Ada", "")

	if !p.Join(ada, now) {
		t.Fatalf("first join must report joined")
	}
	if p.Join(ada, now) {
		t.Fatalf("second join must not report joined")
	}
	if got := p.Count("ada"); got != 2 {
		t.Fatalf("count=%d want 2", got)
	}

	if p.Leave("ada") {
		t.Fatalf("first leave must not report left")
	}
	if !p.Leave("ada") {
		t.Fatalf("last leave must report left")
	}
	if p.Len() != 0 {
		t.Fatalf("entry must be removed at zero")
	}
	if p.Leave("ada") {
		t.Fatalf("leave of absent user must be a no-op")
	}
}

func TestPresenceTable_RejectsAnonymous(t *testing.T) {
	t.Parallel()

	p := NewPresenceTable()
	if p.Join(identity.Anonymous, time.Now()) {
		t.Fatalf("anonymous identity must never join presence")
	}
	if p.Len() != 0 {
		t.Fatalf("table must stay empty")
	}
}

func TestPresenceTable_RandomSequencesKeepInvariant(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	users := []string{"a", "b", "c"}

	for round := 0; round < 50; round++ {
		p := NewPresenceTable()
		open := map[string]int{}
		joinedDeltas := map[string]int{}
		leftDeltas := map[string]int{}

		for step := 0; step < 200; step++ {
			u := users[rng.Intn(len(users))]
			if open[u] > 0 && rng.Intn(2) == 0 {
				open[u]--
				if p.Leave(u) {
					leftDeltas[u]++
					if open[u] != 0 {
						t.Fatalf("left delta emitted with %d open connections", open[u])
					}
				}
			} else {
				open[u]++
				if p.Join(identity.New(u, "", ""), time.Now()) {
					joinedDeltas[u]++
				}
			}

			for _, x := range users {
				present := p.Count(x) > 0
				if present != (open[x] > 0) {
					t.Fatalf("user %s present=%v open=%d", x, present, open[x])
				}
				if p.Count(x) != open[x] {
					t.Fatalf("user %s count=%d open=%d", x, p.Count(x), open[x])
				}
			}
		}

		for _, u := range users {
			closing := open[u]
			for i := 0; i < closing; i++ {
				open[u]--
				if p.Leave(u) {
					leftDeltas[u]++
				}
			}
			if joinedDeltas[u] != leftDeltas[u] {
				t.Fatalf("user %s joined=%d left=%d deltas", u, joinedDeltas[u], leftDeltas[u])
			}
		}
	}
}

func TestPresenceTable_SnapshotSortedCopy(t *testing.T) {
	t.Parallel()

	p := NewPresenceTable()
	now := time.Now().UTC()
	p.Join(identity.New("zed", "", ""), now)
	p.Join(identity.New("amy", "Amy", "https://img/amy"), now)

	snap := p.Snapshot()
	if len(snap) != 2 || snap[0].UserID != "amy" || snap[1].UserID != "zed" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	snap[0].ConnectionCount = 99
	if p.Count("amy") != 1 {
		t.Fatalf("snapshot must be a copy")
	}
}
