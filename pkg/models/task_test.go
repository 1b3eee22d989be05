package models

import "testing"

func TestTaskStateValid(t *testing.T) {
	valid := []TaskState{TaskPending, TaskRunning, TaskSucceeded, TaskFailed, TaskCancelled}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if TaskState("unknown").Valid() {
		t.Error("expected unknown state to be invalid")
	}
}

func TestTaskStateTerminal(t *testing.T) {
	cases := map[TaskState]bool{
		TaskPending:   false,
		TaskRunning:   false,
		TaskSucceeded: true,
		TaskFailed:    true,
		TaskCancelled: true,
	}
	for state, want := range cases {
		if got := state.Terminal(); got != want {
			t.Errorf("Terminal(%q) = %v, want %v", state, got, want)
		}
	}
}

func TestTaskClone(t *testing.T) {
	task := &Task{
		ID:        1,
		Title:     "Section one",
		InputRefs: []string{"ref-a"},
		Hints:     []string{"hint-a"},
		State:     TaskPending,
	}

	cp := task.Clone()
	cp.InputRefs[0] = "changed"
	cp.Hints = append(cp.Hints, "hint-b")
	cp.State = TaskRunning

	if task.InputRefs[0] != "ref-a" {
		t.Error("clone shares InputRefs backing array with original")
	}
	if len(task.Hints) != 1 {
		t.Error("clone shares Hints backing array with original")
	}
	if task.State != TaskPending {
		t.Error("clone mutation changed original state")
	}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    *Plan
		wantErr bool
	}{
		{
			name:    "empty plan",
			plan:    &Plan{},
			wantErr: true,
		},
		{
			name: "valid ordinals",
			plan: &Plan{Tasks: []*Task{
				{ID: 1, Title: "a"},
				{ID: 2, Title: "b"},
			}},
			wantErr: false,
		},
		{
			name: "non-ordinal ids",
			plan: &Plan{Tasks: []*Task{
				{ID: 1, Title: "a"},
				{ID: 3, Title: "b"},
			}},
			wantErr: true,
		},
		{
			name: "empty title",
			plan: &Plan{Tasks: []*Task{
				{ID: 1, Title: ""},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
