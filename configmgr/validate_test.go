package configmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dev.hon.one/niobium/common"
)

func TestValidateSyntax(t *testing.T) {
	tests := []struct {
		name       string
		deviceType common.DeviceType
		text       string
		valid      bool
		warnings   int
	}{
		{"empty", common.DeviceTypeCiscoIOS, "", false, 0},
		{"only notation", common.DeviceTypeCiscoIOS, "!\n!\nend", false, 0},
		{"ios", common.DeviceTypeCiscoIOS, "hostname r1\n!\ninterface Gi0/1\n description x\n no shutdown\n!\nend", true, 0},
		{"ios unknown keyword", common.DeviceTypeCiscoIOS, "hostname r1\nfrobnicate on", true, 1},
		{"ios orphan indent", common.DeviceTypeCiscoIOS, " description x", false, 0},
		{"ios block closed by bang", common.DeviceTypeCiscoIOS, "interface Gi0/1\n!\n description x", false, 0},
		{"ios banner", common.DeviceTypeCiscoIOS, "banner motd ^C\nAuthorized only\n#\n^C\nhostname r1", true, 0},
		{"ios single line banner", common.DeviceTypeCiscoIOS, "banner motd #Authorized only#\nhostname r1", true, 0},
		{"ios unterminated banner", common.DeviceTypeCiscoIOS, "banner motd ^C\nAuthorized only", false, 0},
		{"deny listed", common.DeviceTypeCiscoIOS, "hostname r1\nreload", false, 0},
		{"deny listed beside unknown keyword", common.DeviceTypeCiscoIOS, "hostname r1\nreload\nfrobnicate on", false, 1},
		{"huawei deny listed", common.DeviceTypeHuaweiVRP, "sysname HW\nformat flash:", false, 0},
		{"generic uses ios rules", common.DeviceTypeGeneric, " orphan", false, 0},
		{"junos braces", common.DeviceTypeJuniperJunos, "system {\n    host-name mx1;\n    /* \"quoted {\" */\n}", true, 0},
		{"junos unclosed", common.DeviceTypeJuniperJunos, "system {\n    host-name mx1;", false, 0},
		{"junos extra close", common.DeviceTypeJuniperJunos, "}\nsystem { }", false, 0},
		{"junos set style", common.DeviceTypeJuniperJunos, "set system host-name mx1\ndelete interfaces ge-0/0/0 disable", true, 0},
		{"junos mixed style", common.DeviceTypeJuniperJunos, "set system host-name mx1\nsystem {", false, 0},
		{"vyos", common.DeviceTypeVyOS, "# comment\nset interfaces ethernet eth0 address 10.0.0.1/24", true, 0},
		{"vyos bare path", common.DeviceTypeVyOS, "interfaces ethernet eth0", false, 0},
		{"vyos set without path", common.DeviceTypeVyOS, "set", false, 0},
		{"huawei", common.DeviceTypeHuaweiVRP, "sysname HW\n#\ninterface GigabitEthernet0/0/1\n description x\n#\nreturn", true, 0},
		{"linux", common.DeviceTypeLinux, "  anything goes", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateSyntax(tt.text, tt.deviceType, nil)
			assert.Equal(t, tt.valid, result.Valid, "errors: %v", result.Errors)
			assert.Len(t, result.Warnings, tt.warnings)
		})
	}
}

func TestCleanConfig(t *testing.T) {
	raw := "Building configuration...\n\nCurrent configuration : 120 bytes\n" +
		"! Last configuration change at 12:00:00 UTC Wed Oct 14 2026\n" +
		"!\nversion 15.0   \nhostname r1\n!\nend\n\n"
	assert.Equal(t, "!\nversion 15.0\nhostname r1\n!\nend", CleanConfig(raw))
}

func TestChecksum_IgnoresNotation(t *testing.T) {
	assert.Equal(t, Checksum("version 15.0\n!\nhostname r1\n!\nend"), Checksum("version 15.0\nhostname r1"))
	assert.Equal(t, Checksum("## Last commit: 2026-10-14 by admin\nset system host-name mx1"), Checksum("set system host-name mx1"))
	assert.NotEqual(t, Checksum("hostname r1"), Checksum("hostname r2"))
	assert.NotEqual(t, Checksum("interface Gi0/1\n shutdown"), Checksum("interface Gi0/1\nshutdown"), "indentation is significant")
	assert.Len(t, Checksum("x"), 64)
}

func TestConfigLines(t *testing.T) {
	lines := ConfigLines("hostname r1\r\n!\r\ninterface Gi0/1\r\n description x  \r\nend")
	assert.Equal(t, []string{"hostname r1", "interface Gi0/1", " description x"}, lines)
}
