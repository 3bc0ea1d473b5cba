package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

func TestRenderRoundTrip(t *testing.T) {
	st, _ := State{}.Assign("Telegram", model.PolicyProxy)
	st, _ = st.Assign("Google Chrome", model.PolicyDirect)

	for _, f := range Formats() {
		t.Run(string(f), func(t *testing.T) {
			rendered, err := st.Render(f)
			require.NoError(t, err)
			require.Len(t, rendered, 3)

			names, err := ParseRules(f, rendered[model.PolicyProxy])
			require.NoError(t, err)
			assert.Equal(t, []string{"Telegram"}, names)

			names, err = ParseRules(f, rendered[model.PolicyDirect])
			require.NoError(t, err)
			assert.Equal(t, []string{"Google Chrome"}, names)

			names, err = ParseRules(f, rendered[model.PolicyReject])
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestRenderSyntax(t *testing.T) {
	surge, err := RenderSet(FormatSurge, []string{"Telegram", "curl"})
	require.NoError(t, err)
	assert.Equal(t, "# proxy-audit generated rules\nPROCESS-NAME,Telegram\nPROCESS-NAME,curl\n", string(surge))

	clash, err := RenderSet(FormatClash, []string{"Telegram"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(clash), "# proxy-audit generated rules\npayload:\n"))
	assert.Contains(t, string(clash), "- PROCESS-NAME,Telegram\n")

	empty, err := RenderSet(FormatClash, nil)
	require.NoError(t, err)
	assert.Contains(t, string(empty), "payload: []")

	sb, err := RenderSet(FormatSingBox, []string{"Telegram"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"rules":[{"process_name":["Telegram"]}]}`, string(sb))

	sb, err = RenderSet(FormatSingBox, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"rules":[]}`, string(sb))
}

func TestRenderDoesNotMutateState(t *testing.T) {
	st, _ := State{}.Assign("Telegram", model.PolicyProxy)
	before := st.Members(model.PolicyProxy)
	_, err := st.Render(FormatClash)
	require.NoError(t, err)
	assert.Equal(t, before, st.Members(model.PolicyProxy))
}

func TestUnsupportedFormats(t *testing.T) {
	f, err := ParseFormat("QuanX")
	require.NoError(t, err)
	assert.Equal(t, FormatQuantumultX, f)

	_, err = State{}.Render(f)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = Guide(f, "/tmp")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = ParseFormat("shadowrocket")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = RenderSet(Format("v2ray"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseFormatAliases(t *testing.T) {
	for in, want := range map[string]Format{
		"clash":    FormatClash,
		"Mihomo":   FormatClash,
		"surge":    FormatSurge,
		"singbox":  FormatSingBox,
		"sing-box": FormatSingBox,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseRulesIgnoresOtherRuleTypes(t *testing.T) {
	clash := "payload:\n  - DOMAIN-SUFFIX,example.com\n  - PROCESS-NAME,Telegram\n  - 'PROCESS-NAME,Slack'\n"
	names, err := ParseRules(FormatClash, []byte(clash))
	require.NoError(t, err)
	assert.Equal(t, []string{"Telegram", "Slack"}, names)

	sb := `{"version":2,"rules":[{"domain":["example.com"]},{"process_name":"curl"},{"process_name":["a","b"]}]}`
	names, err = ParseRules(FormatSingBox, []byte(sb))
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "a", "b"}, names)

	_, err = ParseRules(FormatSingBox, []byte("{"))
	assert.Error(t, err)
}

func TestFileNames(t *testing.T) {
	for f, want := range map[Format]string{
		FormatClash:   "rules-direct.yaml",
		FormatSurge:   "rules-direct.list",
		FormatSingBox: "rules-direct.json",
	} {
		got, err := FileName(f, model.PolicyDirect)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestGuidePointsAtExportedFiles(t *testing.T) {
	g, err := Guide(FormatClash, "/etc/pa")
	require.NoError(t, err)
	assert.Contains(t, g, "path: /etc/pa/rules-proxy.yaml")
	assert.Contains(t, g, "RULE-SET,proxy-audit-reject,REJECT")

	g, err = Guide(FormatSurge, "/etc/pa")
	require.NoError(t, err)
	assert.Contains(t, g, "RULE-SET,/etc/pa/rules-direct.list,DIRECT")

	g, err = Guide(FormatSingBox, "/etc/pa")
	require.NoError(t, err)
	assert.Contains(t, g, `"tag": "pa-proxy", "path": "/etc/pa/rules-proxy.json"`)
	assert.Contains(t, g, `{ "rule_set": "pa-reject", "outbound": "block" }`)
}
