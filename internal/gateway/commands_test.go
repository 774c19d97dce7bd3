package gateway

import (
	"reflect"
	"testing"

	"github.com/semibot/semibot/internal/store"
)

func TestParseApprovalCommand(t *testing.T) {
	tests := []struct {
		name string
		text string
		want *ApprovalCommand
	}{
		{
			name: "slash approve",
			text: "/approve apr_123",
			want: &ApprovalCommand{Decision: store.ApprovalApproved, IDs: []string{"apr_123"}},
		},
		{
			name: "slash reject",
			text: "/reject apr_123",
			want: &ApprovalCommand{Decision: store.ApprovalRejected, IDs: []string{"apr_123"}},
		},
		{
			name: "bare verb",
			text: "approve apr_123",
			want: &ApprovalCommand{Decision: store.ApprovalApproved, IDs: []string{"apr_123"}},
		},
		{
			name: "colon form",
			text: "approve:apr_123",
			want: &ApprovalCommand{Decision: store.ApprovalApproved, IDs: []string{"apr_123"}},
		},
		{
			name: "colon form with space after colon",
			text: "reject: apr_123",
			want: &ApprovalCommand{Decision: store.ApprovalRejected, IDs: []string{"apr_123"}},
		},
		{
			name: "chinese approve",
			text: "同意 apr_123",
			want: &ApprovalCommand{Decision: store.ApprovalApproved, IDs: []string{"apr_123"}},
		},
		{
			name: "chinese reject",
			text: "拒绝 apr_123",
			want: &ApprovalCommand{Decision: store.ApprovalRejected, IDs: []string{"apr_123"}},
		},
		{
			name: "multiple ids",
			text: "/approve apr_1 apr_2 apr_3",
			want: &ApprovalCommand{Decision: store.ApprovalApproved, IDs: []string{"apr_1", "apr_2", "apr_3"}},
		},
		{
			name: "leading whitespace",
			text: "  /approve apr_123  ",
			want: &ApprovalCommand{Decision: store.ApprovalApproved, IDs: []string{"apr_123"}},
		},
		{
			name: "case insensitive verb",
			text: "APPROVE apr_123",
			want: &ApprovalCommand{Decision: store.ApprovalApproved, IDs: []string{"apr_123"}},
		},
		{name: "empty", text: "", want: nil},
		{name: "verb without id", text: "/approve", want: nil},
		{name: "colon without id", text: "approve:", want: nil},
		{name: "plain sentence", text: "please approve this plan", want: nil},
		{name: "unknown verb", text: "/maybe apr_123", want: nil},
		{
			name: "colon inside sentence is not a command",
			text: "note to self: approve tomorrow",
			want: nil,
		},
		{
			name: "url is not a command",
			text: "https://example.com/approve",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseApprovalCommand(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseApprovalCommand(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}
