package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/srg/companiond/internal/bluez"
	"github.com/srg/companiond/internal/companion"
	"github.com/srg/companiond/internal/config"
	"github.com/srg/companiond/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	testAddress1 = "AA:BB:CC:DD:EE:01"
	testAddress2 = "AA:BB:CC:DD:EE:02"
)

// CommandTestSuite runs commands against a configuration file in a temp dir.
type CommandTestSuite struct {
	suite.Suite
	configPath string
}

func (s *CommandTestSuite) SetupTest() {
	s.configPath = filepath.Join(s.T().TempDir(), "companiond", "config.yaml")
}

// Execute runs the root command with --config pointing at the suite's file.
func (s *CommandTestSuite) Execute(args ...string) (string, error) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--config", s.configPath}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func (s *CommandTestSuite) loadConfig() *config.Config {
	cfg, err := config.Load(s.configPath)
	s.Require().NoError(err)
	return cfg
}

func (s *CommandTestSuite) TestAssociate() {
	out, err := s.Execute("associate", "aa:bb:cc:dd:ee:01", "--name", "Chest strap")
	s.Require().NoError(err)
	s.Contains(out, "Associated "+testAddress1+" as #1")

	out, err = s.Execute("associate", testAddress2)
	s.Require().NoError(err)
	s.Contains(out, "as #2")

	cfg := s.loadConfig()
	s.Require().Len(cfg.Associations, 2)
	s.Equal(config.Association{ID: 1, Address: testAddress1, DisplayName: "Chest strap", DeviceProfile: "heart_rate"}, cfg.Associations[0])
	s.Equal(testAddress2, cfg.Associations[1].Address)
}

func (s *CommandTestSuite) TestAssociateTwice() {
	_, err := s.Execute("associate", testAddress1)
	s.Require().NoError(err)

	_, err = s.Execute("associate", testAddress1)
	s.Require().ErrorIs(err, config.ErrAssociationExists)
	s.Len(s.loadConfig().Associations, 1)
}

func (s *CommandTestSuite) TestDisassociate() {
	_, err := s.Execute("associate", testAddress1)
	s.Require().NoError(err)
	_, err = s.Execute("associate", testAddress2)
	s.Require().NoError(err)

	out, err := s.Execute("disassociate", "aa:bb:cc:dd:ee:01")
	s.Require().NoError(err)
	s.Contains(out, "Removed association #1 ("+testAddress1+")")

	cfg := s.loadConfig()
	s.Require().Len(cfg.Associations, 1)
	s.Equal(testAddress2, cfg.Associations[0].Address)

	_, err = s.Execute("disassociate", testAddress1)
	s.ErrorIs(err, config.ErrAssociationNotFound)
}

func (s *CommandTestSuite) TestAssociations() {
	out, err := s.Execute("associations")
	s.Require().NoError(err)
	s.Contains(out, "No associated devices")

	_, err = s.Execute("associate", testAddress1, "--name", "Chest strap")
	s.Require().NoError(err)
	_, err = s.Execute("associate", testAddress2, "--profile", "watch")
	s.Require().NoError(err)

	out, err = s.Execute("associations")
	s.Require().NoError(err)
	s.Contains(out, "ADDRESS")
	s.Contains(out, testAddress1)
	s.Contains(out, "Chest strap")
	s.Contains(out, testAddress2)
	s.Contains(out, "watch")
}

func (s *CommandTestSuite) TestNotify() {
	out, err := s.Execute("notify", "aa:bb:cc:dd:ee:01", "appeared", "--status", "connected", "--presenter", "log")
	s.Require().NoError(err)
	s.Contains(out, fmt.Sprintf("Posted notification %d: Device: %s appeared.\nStatus: connected", notify.Key(testAddress1), testAddress1))

	out, err = s.Execute("notify", testAddress1, "disappeared", "--presenter", "log")
	s.Require().NoError(err)
	s.Contains(out, fmt.Sprintf("Posted notification %d: Device: %s disappeared", notify.Key(testAddress1), testAddress1))
}

func (s *CommandTestSuite) TestNotifyErrors() {
	_, err := s.Execute("notify", testAddress1, "vanished", "--presenter", "log")
	s.ErrorIs(err, notify.ErrUnknownState)

	_, err = s.Execute("notify", testAddress1, "appeared", "--presenter", "pager")
	s.ErrorContains(err, "unknown presenter")

	_, err = s.Execute("notify", testAddress1)
	s.Error(err)
}

func (s *CommandTestSuite) TestRunValidation() {
	tests := []struct {
		name    string
		args    []string
		wantErr error
		msg     string
	}{
		{name: "no associations", args: []string{"run", "--presenter", "log"}, wantErr: ErrNoAssociations},
		{name: "unknown presence source", args: []string{"run", "--presence", "radar"}, msg: "unknown presence source"},
		{name: "unknown presenter", args: []string{"run", "--presenter", "pager"}, msg: "unknown presenter"},
		{name: "bluez presence on peripheral adapter", args: []string{"run", "--presence", "bluez"}, wantErr: config.ErrAdapterShared},
		{name: "bluez presence with second controller", args: []string{"run", "--presence", "bluez", "--hci-device", "1", "--presenter", "log"}, wantErr: ErrNoAssociations},
		{name: "invalid log level", args: []string{"run", "--presenter", "log", "--log-level", "loud"}, msg: "invalid log level"},
		{name: "stray argument", args: []string{"run", "extra"}, msg: "unknown command"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.Execute(tt.args...)
			s.Require().Error(err)
			if tt.wantErr != nil {
				s.ErrorIs(err, tt.wantErr)
			}
			if tt.msg != "" {
				s.ErrorContains(err, tt.msg)
			}
		})
	}
}

func (s *CommandTestSuite) TestInvalidConfigFile() {
	s.Require().NoError(os.MkdirAll(filepath.Dir(s.configPath), 0o755))
	s.Require().NoError(os.WriteFile(s.configPath, []byte("presence:\n  source: radar\n"), 0o600))

	_, err := s.Execute("associations")
	s.ErrorContains(err, "invalid config")
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		hint string
	}{
		{name: "no associations", err: ErrNoAssociations, hint: "companiond associate <address>"},
		{name: "association exists", err: fmt.Errorf("%w: X", config.ErrAssociationExists), hint: "already associated"},
		{name: "association missing", err: fmt.Errorf("%w: X", config.ErrAssociationNotFound), hint: "companiond associations"},
		{name: "adapter off", err: fmt.Errorf("presence source stopped: %w", bluez.ErrAdapterOff), hint: "bluetoothctl power on"},
		{name: "permission denied", err: companion.NewPermissionError(companion.BluetoothConnect, nil), hint: "setcap"},
		{name: "shared adapter", err: fmt.Errorf("%w: hci0", config.ErrAdapterShared), hint: "--hci-device"},
		{name: "bluez missing", err: fmt.Errorf("org.bluez not found on system bus"), hint: "--presence scan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := FormatUserError(tt.err)
			assert.Contains(t, msg, tt.err.Error())
			assert.Contains(t, msg, "\n  hint: ")
			assert.Contains(t, msg, tt.hint)
		})
	}

	assert.Equal(t, "", FormatUserError(nil))
	assert.Equal(t, "boom", FormatUserError(fmt.Errorf("boom")))
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()
	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	require.Subset(t, names, []string{"run", "associate", "disassociate", "associations", "notify"})
}
