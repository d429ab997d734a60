package group

import (
	"reflect"
	"testing"

	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

func TestRoundRobinAssignmentCoversAllPartitions(t *testing.T) {
	c := NewCoordinator(logpkg.NewNop())
	c.Join("g", "orders", 6, "m-a")
	c.Join("g", "orders", 6, "m-b")
	c.Join("g", "orders", 6, "m-c")

	asg, err := c.Assignment("g")
	if err != nil {
		t.Fatalf("assignment: %v", err)
	}
	owned := map[int]string{}
	for member, parts := range asg {
		if len(parts) != 2 {
			t.Fatalf("member %s owns %d partitions, want 2", member, len(parts))
		}
		for _, p := range parts {
			if prev, dup := owned[p]; dup {
				t.Fatalf("partition %d owned by %s and %s", p, prev, member)
			}
			owned[p] = member
		}
	}
	for p := 0; p < 6; p++ {
		if _, ok := owned[p]; !ok {
			t.Fatalf("partition %d unassigned", p)
		}
	}
}

func TestLeaveRebalancesAndBumpsGeneration(t *testing.T) {
	c := NewCoordinator(logpkg.NewNop())
	c.Join("g", "orders", 6, "m-a")
	c.Join("g", "orders", 6, "m-b")
	c.Join("g", "orders", 6, "m-c")
	gen, err := c.Generation("g")
	if err != nil {
		t.Fatalf("generation: %v", err)
	}

	if err := c.Leave("g", "m-b"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	gen2, err := c.Generation("g")
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	if gen2 <= gen {
		t.Fatalf("generation did not increase: %d -> %d", gen, gen2)
	}
	asg, _ := c.Assignment("g")
	if len(asg["m-a"]) != 3 || len(asg["m-c"]) != 3 {
		t.Fatalf("want 3/3 after leave, got %v", asg)
	}
	if len(asg["m-b"]) != 0 {
		t.Fatalf("departed member still owns partitions: %v", asg["m-b"])
	}
}

func TestRebalanceIsDeterministic(t *testing.T) {
	build := func() map[string][]int {
		c := NewCoordinator(logpkg.NewNop())
		// join order deliberately differs between runs below
		c.Join("g", "t", 7, "m-c")
		c.Join("g", "t", 7, "m-a")
		c.Join("g", "t", 7, "m-b")
		asg, _ := c.Assignment("g")
		return asg
	}
	build2 := func() map[string][]int {
		c := NewCoordinator(logpkg.NewNop())
		c.Join("g", "t", 7, "m-a")
		c.Join("g", "t", 7, "m-b")
		c.Join("g", "t", 7, "m-c")
		asg, _ := c.Assignment("g")
		return asg
	}
	if !reflect.DeepEqual(build(), build2()) {
		t.Fatalf("assignment depends on join order")
	}
}

func TestEmptyGroupIsDropped(t *testing.T) {
	c := NewCoordinator(logpkg.NewNop())
	c.Join("g", "t", 4, "m-a")
	if !c.Owns("g", "m-a", 0) {
		t.Fatalf("single member should own everything")
	}
	if err := c.Leave("g", "m-a"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := c.Assignment("g"); err != ErrGroupNotFound {
		t.Fatalf("want ErrGroupNotFound, got %v", err)
	}
	if c.Owns("g", "m-a", 0) {
		t.Fatalf("empty group must own nothing")
	}
}

func TestRemainderDistribution(t *testing.T) {
	c := NewCoordinator(logpkg.NewNop())
	c.Join("g", "t", 5, "m-a")
	c.Join("g", "t", 5, "m-b")
	asg, _ := c.Assignment("g")
	total := len(asg["m-a"]) + len(asg["m-b"])
	if total != 5 {
		t.Fatalf("assigned %d partitions, want 5", total)
	}
	diff := len(asg["m-a"]) - len(asg["m-b"])
	if diff < -1 || diff > 1 {
		t.Fatalf("uneven split: %v", asg)
	}
}
