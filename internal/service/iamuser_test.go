package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"

	"github.com/alexmorozenko/leapp/internal/awsclient"
	"github.com/alexmorozenko/leapp/internal/config"
	"github.com/alexmorozenko/leapp/internal/service"
	"github.com/alexmorozenko/leapp/internal/session"
)

func sessionTokenCreds(expireIn time.Duration) *types.Credentials {
	return &types.Credentials{
		AccessKeyId:     aws.String("ASIATEMP"),
		SecretAccessKey: aws.String("tempsecret"),
		SessionToken:    aws.String("temptoken"),
		Expiration:      aws.Time(time.Now().Add(expireIn)),
	}
}

func wireSessionToken(h *harness, calls *int, fails bool) {
	h.clients.stsClientWithCreds = func(ctx context.Context, region string, creds session.CredentialsInfo) (awsclient.StsApi, error) {
		m := &mockSts{}
		m.getSessionToken = func(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error) {
			*calls++
			if fails {
				return nil, fmt.Errorf("throttled")
			}
			return &sts.GetSessionTokenOutput{Credentials: sessionTokenCreds(time.Hour)}, nil
		}
		return m, nil
	}
}

func Test_IamUser_start_writes_profile_and_stop_removes_it(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.clients.stsClientWithCreds = func(ctx context.Context, region string, creds session.CredentialsInfo) (awsclient.StsApi, error) {
		if creds.AccessKeyId != "AKIALONGLIVED" {
			t.Errorf("expected the stored long lived key, got: %s", creds.AccessKeyId)
		}
		m := &mockSts{}
		m.getSessionToken = func(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error) {
			calls++
			if aws.ToInt32(params.DurationSeconds) != config.SESSION_TOKEN_DURATION {
				t.Errorf("expected duration %d got: %d", config.SESSION_TOKEN_DURATION, aws.ToInt32(params.DurationSeconds))
			}
			return &sts.GetSessionTokenOutput{Credentials: sessionTokenCreds(time.Hour)}, nil
		}
		return m, nil
	}

	svc := h.service(t, session.TypeIamUser)
	sess, err := svc.Create(context.TODO(), service.CreateRequest{
		Name:      "dev",
		Region:    "eu-west-1",
		AccessKey: "AKIALONGLIVED",
		SecretKey: "longsecret",
	}, mustDefaultProfile(t, h))
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	if err := svc.Start(context.TODO(), sess.Id); err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	got := h.mustGet(t, sess.Id)
	if got.Status != session.StatusActive {
		t.Errorf("got %s, wanted %s", got.Status, session.StatusActive)
	}
	if got.SessionTokenExpiration.IsZero() {
		t.Errorf("expected the token expiration to be recorded on the session")
	}
	creds, ok := h.writer.section("default")
	if !ok {
		t.Fatalf("expected a default profile section to be written")
	}
	if creds.AccessKeyId != "ASIATEMP" || creds.Region != "eu-west-1" {
		t.Errorf("unexpected section contents: %+v", creds)
	}

	if err := svc.Stop(context.TODO(), sess.Id); err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if _, ok := h.writer.section("default"); ok {
		t.Errorf("expected the profile section to be removed on stop")
	}
	got = h.mustGet(t, sess.Id)
	if got.Status != session.StatusInactive {
		t.Errorf("got %s, wanted %s", got.Status, session.StatusInactive)
	}

	// stopping an inactive session is a no-op
	if err := svc.Stop(context.TODO(), sess.Id); err != nil {
		t.Errorf("got %s, wanted <nil>", err)
	}
	if calls != 1 {
		t.Errorf("expected a single token exchange, got: %d", calls)
	}
}

func Test_IamUser_reuses_cached_token_until_expiry(t *testing.T) {
	h := newHarness(t)
	calls := 0
	wireSessionToken(h, &calls, false)

	svc := h.service(t, session.TypeIamUser)
	sess, err := svc.Create(context.TODO(), service.CreateRequest{
		Name: "dev", Region: "eu-west-1", AccessKey: "ak", SecretKey: "sk",
	}, mustDefaultProfile(t, h))
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	if _, err := svc.GenerateCredentials(context.TODO(), sess.Id); err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	// a second generation within the token lifetime hits the cache
	got, err := svc.GenerateCredentials(context.TODO(), sess.Id)
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if calls != 1 {
		t.Errorf("expected one exchange, got: %d", calls)
	}
	if got.SessionToken != "temptoken" {
		t.Errorf("got %s, wanted %s", got.SessionToken, "temptoken")
	}
}

func Test_IamUser_regenerates_when_cached_token_is_evicted(t *testing.T) {
	h := newHarness(t)
	calls := 0
	wireSessionToken(h, &calls, false)

	svc := h.service(t, session.TypeIamUser)
	sess, err := svc.Create(context.TODO(), service.CreateRequest{
		Name: "dev", Region: "eu-west-1", AccessKey: "ak", SecretKey: "sk",
	}, mustDefaultProfile(t, h))
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if _, err := svc.GenerateCredentials(context.TODO(), sess.Id); err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	// simulate the keychain entry disappearing behind our back
	_ = h.secrets.DeleteSecret(fmt.Sprintf(config.IAM_USER_SESSION_TOKEN_PATTERN, sess.Id))

	if _, err := svc.GenerateCredentials(context.TODO(), sess.Id); err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if calls != 2 {
		t.Errorf("expected a fresh exchange after eviction, got: %d calls", calls)
	}
}

func Test_IamUser_mfa_challenge(t *testing.T) {
	ttests := map[string]struct {
		code      string
		expectErr bool
		errTyp    error
	}{
		"code is attached to the exchange": {
			code: "123456",
		},
		"dismissed prompt aborts the start": {
			code:      config.MFA_CONFIRM_CLOSED,
			expectErr: true,
			errTyp:    session.ErrMissingMfaToken,
		},
	}
	for name, tt := range ttests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.prompter.code = tt.code
			h.clients.stsClientWithCreds = func(ctx context.Context, region string, creds session.CredentialsInfo) (awsclient.StsApi, error) {
				m := &mockSts{}
				m.getSessionToken = func(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error) {
					if aws.ToString(params.SerialNumber) != "arn:aws:iam::111:mfa/dev" {
						t.Errorf("expected the mfa device on the exchange, got: %s", aws.ToString(params.SerialNumber))
					}
					if aws.ToString(params.TokenCode) != "123456" {
						t.Errorf("got %s, wanted %s", aws.ToString(params.TokenCode), "123456")
					}
					return &sts.GetSessionTokenOutput{Credentials: sessionTokenCreds(time.Hour)}, nil
				}
				return m, nil
			}

			svc := h.service(t, session.TypeIamUser)
			sess, err := svc.Create(context.TODO(), service.CreateRequest{
				Name: "dev", Region: "eu-west-1",
				AccessKey: "ak", SecretKey: "sk",
				MfaDevice: "arn:aws:iam::111:mfa/dev",
			}, mustDefaultProfile(t, h))
			if err != nil {
				t.Fatalf("got %s, wanted <nil>", err)
			}

			err = svc.Start(context.TODO(), sess.Id)
			if tt.expectErr {
				if !errors.Is(err, tt.errTyp) {
					t.Fatalf("got %v, wanted %s", err, tt.errTyp)
				}
				got := h.mustGet(t, sess.Id)
				if got.Status != session.StatusInactive {
					t.Errorf("got %s, wanted %s after a failed start", got.Status, session.StatusInactive)
				}
				if _, ok := h.writer.section("default"); ok {
					t.Errorf("expected no section after a failed start")
				}
				return
			}
			if err != nil {
				t.Fatalf("got %s, wanted <nil>", err)
			}
		})
	}
}

func Test_IamUser_provider_failure_rolls_back_to_inactive(t *testing.T) {
	h := newHarness(t)
	calls := 0
	wireSessionToken(h, &calls, true)

	svc := h.service(t, session.TypeIamUser)
	sess, err := svc.Create(context.TODO(), service.CreateRequest{
		Name: "dev", Region: "eu-west-1", AccessKey: "ak", SecretKey: "sk",
	}, mustDefaultProfile(t, h))
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	err = svc.Start(context.TODO(), sess.Id)
	if !errors.Is(err, session.ErrProvider) {
		t.Fatalf("got %v, wanted %s", err, session.ErrProvider)
	}
	got := h.mustGet(t, sess.Id)
	if got.Status != session.StatusInactive {
		t.Errorf("got %s, wanted %s", got.Status, session.StatusInactive)
	}
}

func Test_IamUser_unknown_session_is_not_found(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, session.TypeIamUser)
	_, err := svc.GenerateCredentials(context.TODO(), "no-such-id")
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("got %v, wanted %s", err, session.ErrNotFound)
	}
}

func Test_IamUser_failed_refresh_removes_installed_credentials(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.clients.stsClientWithCreds = func(ctx context.Context, region string, creds session.CredentialsInfo) (awsclient.StsApi, error) {
		m := &mockSts{}
		m.getSessionToken = func(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error) {
			calls++
			if calls > 1 {
				return nil, fmt.Errorf("throttled")
			}
			// first activation hands out a token that is already due
			return &sts.GetSessionTokenOutput{Credentials: sessionTokenCreds(-time.Minute)}, nil
		}
		return m, nil
	}

	svc := h.service(t, session.TypeIamUser)
	sess, err := svc.Create(context.TODO(), service.CreateRequest{
		Name:      "dev",
		Region:    "eu-west-1",
		AccessKey: "AKIALONGLIVED",
		SecretKey: "longsecret",
	}, mustDefaultProfile(t, h))
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if err := svc.Start(context.TODO(), sess.Id); err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if _, ok := h.writer.section("default"); !ok {
		t.Fatal("expected the profile section installed after start")
	}

	err = svc.Start(context.TODO(), sess.Id)
	if !errors.Is(err, session.ErrProvider) {
		t.Errorf("got %v, wanted %s", err, session.ErrProvider)
	}
	got := h.mustGet(t, sess.Id)
	if got.Status != session.StatusInactive {
		t.Errorf("got %s, wanted the session deactivated after the failed refresh", got.Status)
	}
	if creds, ok := h.writer.section("default"); ok {
		t.Errorf("expected the stale section removed, still installed: %+v", creds)
	}
}

func Test_IamUser_starting_a_profile_sharer_stops_the_incumbent(t *testing.T) {
	h := newHarness(t)
	calls := 0
	wireSessionToken(h, &calls, false)

	svc := h.service(t, session.TypeIamUser)
	profileId := mustDefaultProfile(t, h)
	first, err := svc.Create(context.TODO(), service.CreateRequest{
		Name: "one", Region: "eu-west-1", AccessKey: "AKIAONE", SecretKey: "s1",
	}, profileId)
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	second, err := svc.Create(context.TODO(), service.CreateRequest{
		Name: "two", Region: "eu-west-1", AccessKey: "AKIATWO", SecretKey: "s2",
	}, profileId)
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	if err := svc.Start(context.TODO(), first.Id); err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if err := svc.Start(context.TODO(), second.Id); err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	if got := h.mustGet(t, first.Id); got.Status != session.StatusInactive {
		t.Errorf("got %s, wanted the incumbent stopped when its profile changed hands", got.Status)
	}
	if got := h.mustGet(t, second.Id); got.Status != session.StatusActive {
		t.Errorf("got %s, wanted the new holder active", got.Status)
	}
	if _, ok := h.writer.section("default"); !ok {
		t.Error("expected the profile section owned by the new holder")
	}
}

func Test_IamUser_account_number_comes_from_caller_identity(t *testing.T) {
	h := newHarness(t)
	h.clients.stsClientWithCreds = func(ctx context.Context, region string, creds session.CredentialsInfo) (awsclient.StsApi, error) {
		m := &mockSts{}
		m.getSessionToken = func(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error) {
			return &sts.GetSessionTokenOutput{Credentials: sessionTokenCreds(time.Hour)}, nil
		}
		m.getCallerIdentity = func(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
			if creds.AccessKeyId != "ASIATEMP" {
				t.Errorf("expected the identity call on the session token, got key: %s", creds.AccessKeyId)
			}
			return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
		}
		return m, nil
	}

	svc := h.factory.IamUserService()
	sess, err := svc.Create(context.TODO(), service.CreateRequest{
		Name:      "dev",
		Region:    "eu-west-1",
		AccessKey: "AKIALONGLIVED",
		SecretKey: "longsecret",
	}, mustDefaultProfile(t, h))
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	account, err := svc.GetAccountNumber(context.TODO(), sess.Id)
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if account != "123456789012" {
		t.Errorf("got %s, wanted the caller identity account", account)
	}
}

func mustDefaultProfile(t *testing.T, h *harness) string {
	t.Helper()
	id, err := h.repo.GetDefaultProfileId()
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	return id
}
