package main

import "testing"

func TestFindRunRecord(t *testing.T) {
	t.Setenv("SUBAGENT_HOME", t.TempDir())

	records := []RunRecord{
		{ID: "run-1", Agent: "scout", Status: "ok", ExitCode: 0},
		{ID: "run-2", Agent: "worker", Status: "error", ExitCode: 2, Error: "boom"},
	}
	for _, rec := range records {
		if err := appendRunRecord(rec); err != nil {
			t.Fatal(err)
		}
	}

	rec, ok, err := findRunRecord("run-2")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("record not found")
	}
	if rec.Agent != "worker" || rec.ExitCode != 2 || rec.Error != "boom" {
		t.Errorf("record = %+v", rec)
	}

	if _, ok, _ := findRunRecord("run-missing"); ok {
		t.Error("found a record that was never written")
	}
}

func TestRecordPayload(t *testing.T) {
	payload := recordPayload(RunRecord{ID: "run-3", Agent: "scout", Status: "ok"})
	if payload["id"] != "run-3" || payload["agent"] != "scout" || payload["status"] != "ok" {
		t.Errorf("payload = %v", payload)
	}
}
