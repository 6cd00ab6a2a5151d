package audit

import "testing"

func TestRecordKey(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want string
	}{
		{name: "correlation id first", rec: Record{CorrelationID: "c", ServerName: "s", InstanceID: "i"}, want: "c"},
		{name: "then server", rec: Record{ServerName: "s", InstanceID: "i"}, want: "s"},
		{name: "then instance", rec: Record{InstanceID: "i"}, want: "i"},
		{name: "none", rec: Record{}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recordKey(tt.rec); got != tt.want {
				t.Errorf("recordKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
