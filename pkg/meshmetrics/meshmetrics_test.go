package meshmetrics

import "testing"

func TestFormatName(t *testing.T) {
	cases := []struct {
		base string
		args []string
		want string
	}{
		{"mesh_egress_drop_total", nil, "mesh_egress_drop_total{}"},
		{"mesh_egress_drop_total", []string{"queue", "proto"}, `mesh_egress_drop_total{queue="proto"}`},
		{"mesh_io_error_total", []string{"op", "read", "conn_id", "3"}, `mesh_io_error_total{op="read",conn_id="3"}`},
	}
	for _, tc := range cases {
		if got := FormatName(tc.base, tc.args...); got != tc.want {
			t.Errorf("FormatName(%q, %v) = %q, want %q", tc.base, tc.args, got, tc.want)
		}
	}
}
