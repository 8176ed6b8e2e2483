package keys

import "testing"

func TestKeyLayout(t *testing.T) {
	cases := map[string]string{
		Task("abc"):          "task:abc",
		Result("abc"):        "task_result:abc",
		Stream("abc"):        "task_stream:abc",
		HistoryRecord("abc"): "task_history:abc",
		Cancelled("abc"):     "task:abc:cancelled",
		Progress("abc"):      "task:abc:progress",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("key mismatch: got %q want %q", got, want)
		}
	}
	if Queue != "ml_tasks" || QueuedIndex != "queued_requests" ||
		Delayed != "delayed_tasks" || Processing != "processing_tasks" ||
		History != "task_history" || Servers != "servers" {
		t.Fatal("fixed key names changed; dashboards rely on this layout")
	}
}

func TestResultID(t *testing.T) {
	if got := ResultID("task_result:xyz"); got != "xyz" {
		t.Fatalf("ResultID = %q, want xyz", got)
	}
	if got := ResultID("task:xyz"); got != "" {
		t.Fatalf("ResultID on foreign key = %q, want empty", got)
	}
	if got := ResultID("task_result:"); got != "" {
		t.Fatalf("ResultID on bare prefix = %q, want empty", got)
	}
}
