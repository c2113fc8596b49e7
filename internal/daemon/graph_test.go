package daemon

import (
	"strings"
	"testing"
)

func TestResolveOrder(t *testing.T) {
	comps := []Component{
		newMockComponent("HTTPServer", "Sessions", "Scheduler"),
		newMockComponent("Scheduler", "Sessions"),
		newMockComponent("Sessions", "StoreWorker", "Containers"),
		newMockComponent("Containers", "StoreWorker"),
		newMockComponent("StoreWorker"),
	}

	order, err := resolveOrder(comps)
	if err != nil {
		t.Fatalf("resolveOrder() error = %v", err)
	}
	got := strings.Join(componentNames(order), ",")
	want := "StoreWorker,Containers,Sessions,Scheduler,HTTPServer"
	if got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestResolveOrder_KeepsRegistrationOrderForIndependents(t *testing.T) {
	order, err := resolveOrder([]Component{newMockComponent("B"), newMockComponent("A"), newMockComponent("C")})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(componentNames(order), ","); got != "B,A,C" {
		t.Errorf("order = %s, want B,A,C", got)
	}
}

func TestResolveOrder_ReportsCyclePath(t *testing.T) {
	_, err := resolveOrder([]Component{
		newMockComponent("A", "B"),
		newMockComponent("B", "C"),
		newMockComponent("C", "A"),
	})
	if err == nil {
		t.Fatal("resolveOrder() should fail on a cycle")
	}
	if !strings.Contains(err.Error(), "A -> B -> C -> A") {
		t.Errorf("error = %q, want the cycle path", err)
	}
}
