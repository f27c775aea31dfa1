package processor

import "testing"

func TestExamineQueuePushPop(t *testing.T) {
	q := newExamineQueue()

	q.Push(examineItem{Path: "/a/one", Norm: "/a/one"})
	q.Push(examineItem{Path: "/a/two", Norm: "/a/two"})

	if q.Len() != 2 {
		t.Fatalf("Expected length 2, got %d", q.Len())
	}

	item, ok := q.Pop()
	if !ok || item.Norm != "/a/one" {
		t.Errorf("Expected FIFO pop of /a/one, got %+v ok=%v", item, ok)
	}
	item, ok = q.Pop()
	if !ok || item.Norm != "/a/two" {
		t.Errorf("Expected /a/two, got %+v ok=%v", item, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Error("Expected empty queue")
	}
}

func TestExamineQueueReplacesAndMovesToBack(t *testing.T) {
	q := newExamineQueue()

	q.Push(examineItem{Path: "/a/one", Norm: "/a/one", IsDelete: false})
	q.Push(examineItem{Path: "/a/two", Norm: "/a/two"})
	// Re-push of a queued path replaces it and moves it behind /a/two
	q.Push(examineItem{Path: "/a/one", Norm: "/a/one", IsDelete: true})

	if q.Len() != 2 {
		t.Fatalf("Expected length 2 after dedupe, got %d", q.Len())
	}

	first, _ := q.Pop()
	if first.Norm != "/a/two" {
		t.Errorf("Expected /a/two first, got %s", first.Norm)
	}
	second, _ := q.Pop()
	if second.Norm != "/a/one" || !second.IsDelete {
		t.Errorf("Expected replaced /a/one with IsDelete=true, got %+v", second)
	}
}

func TestExamineQueueSignalCoalesces(t *testing.T) {
	q := newExamineQueue()

	q.Push(examineItem{Path: "/a/one", Norm: "/a/one"})
	q.Push(examineItem{Path: "/a/two", Norm: "/a/two"})

	select {
	case <-q.Signal():
	default:
		t.Fatal("Expected a pending signal after pushes")
	}
	select {
	case <-q.Signal():
		t.Error("Expected signals to coalesce to one")
	default:
	}
}
