package unit

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const appService = `# app
[Unit]
Description=App server
After=network-online.target

[Service]
ExecStartPre=/usr/bin/true
ExecStart=/usr/local/bin/app --listen :8080
Restart=on-failure

[Install]
WantedBy=multi-user.target
WantedBy=graphical.target default.target
`

func TestParseService(t *testing.T) {
	u, err := Parse("app.service", []byte(appService))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.Type() != "service" {
		t.Errorf("Type = %q", u.Type())
	}
	if got := u.Value("Service", "ExecStart"); got != "/usr/local/bin/app --listen :8080" {
		t.Errorf("ExecStart = %q", got)
	}
	want := []string{"multi-user.target", "graphical.target", "default.target"}
	if diff := cmp.Diff(want, u.WantedBy()); diff != "" {
		t.Errorf("WantedBy (-want +got):\n%s", diff)
	}
	if p := u.Problems(); len(p) != 0 {
		t.Errorf("unexpected problems: %v", p)
	}
}

func TestProblems(t *testing.T) {
	tests := []struct {
		name string
		data string
		want []string
	}{
		{"noexec.service", "[Unit]\nDescription=x\n[Service]\nType=oneshot\n", []string{"[Service] has no ExecStart=, ExecStop= or SuccessAction="}},
		{"stoponly.service", "[Service]\nType=oneshot\nRemainAfterExit=yes\nExecStop=/usr/bin/cleanup\n", nil},
		{"action.service", "[Service]\nType=oneshot\nSuccessAction=reboot\n", nil},
		{"simplestop.service", "[Service]\nExecStop=/usr/bin/cleanup\n", []string{"[Service] has no ExecStart=, which only Type=oneshot allows"}},
		{"nosvc.service", "[Unit]\nDescription=x\n", []string{"missing [Service] section"}},
		{"ok.timer", "[Timer]\nOnCalendar=daily\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := Parse(tt.name, []byte(tt.data))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, u.Problems()); diff != "" {
				t.Errorf("Problems (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEmptyAssignmentResetsList(t *testing.T) {
	u, err := Parse("x.service", []byte("[Service]\nExecStart=/bin/x\n[Install]\nWantedBy=a.target\nWantedBy=\nWantedBy=b.target\n"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b.target"}, u.WantedBy()); diff != "" {
		t.Errorf("WantedBy (-want +got):\n%s", diff)
	}
}
