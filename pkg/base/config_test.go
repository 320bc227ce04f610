package base

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestPersistentFlagsOverrideDefaults(t *testing.T) {
	c := Default()
	fs := pflag.NewFlagSet("distsqld", pflag.ContinueOnError)
	c.PersistentFlags(fs)

	if err := fs.Parse([]string{"--beeswax_port=9999", "--idle_session_timeout=30"}); err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	if c.BeeswaxPort != 9999 {
		t.Fatalf("BeeswaxPort = %d, want 9999", c.BeeswaxPort)
	}
	if c.IdleSessionTimeoutS != 30 {
		t.Fatalf("IdleSessionTimeoutS = %d, want 30", c.IdleSessionTimeoutS)
	}
	if c.HS2Port != 21050 {
		t.Fatalf("HS2Port = %d, want unchanged default 21050", c.HS2Port)
	}
}

func TestValidateRejectsLogQueryToFileWithoutDir(t *testing.T) {
	c := Default()
	c.LogQueryToFile = true
	c.ProfileLogDir = ""
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error")
	}
}

func TestValidateRejectsNonPositiveCancelPoolSize(t *testing.T) {
	c := Default()
	c.CancellationThreadPoolSize = 0
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error")
	}
}

func TestValidateAcceptsDefaultsWithProfileLogOff(t *testing.T) {
	c := Default()
	c.LogQueryToFile = false
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}
