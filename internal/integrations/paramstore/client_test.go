package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	out    *ssm.GetParameterOutput
	err    error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.out, f.err
}

func param(value *string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name:  aws.String("/livedesk/jwt"),
		Type:  types.ParameterTypeSecureString,
		Value: value,
	}}
}

func TestSecret_TrimsValueAndDecrypts(t *testing.T) {
	api := &fakeAPI{out: param(aws.String("  s3cret\n"))}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.Secret(context.Background(), " /livedesk/jwt ")
	require.NoError(t, err)
	require.Equal(t, "s3cret", v)
	require.Equal(t, "/livedesk/jwt", aws.ToString(api.lastIn.Name))
	require.True(t, aws.ToBool(api.lastIn.WithDecryption))
}

func TestSecret_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		api     *fakeAPI
		param   string
		wantErr string
	}{
		{"missing value", &fakeAPI{out: param(nil)}, "p", "has no value"},
		{"blank value", &fakeAPI{out: param(aws.String("   "))}, "p", "is empty"},
		{"api error", &fakeAPI{err: errors.New("AccessDenied")}, "p", "AccessDenied"},
		{"empty name", &fakeAPI{}, "  ", "name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.api)
			require.NoError(t, err)
			_, err = client.Secret(context.Background(), tt.param)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSecret_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).Secret(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}
