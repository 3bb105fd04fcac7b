package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"dario.cat/mergo"
	"github.com/spf13/cobra"

	"github.com/alexmorozenko/leapp/internal/service"
	"github.com/alexmorozenko/leapp/internal/session"
)

type sessionCmdFlags struct {
	sessionType string
	name        string
	region      string
	profile     string

	accessKey string
	secretKey string
	mfaDevice string

	idpUrl string
	idpArn string

	roleArn         string
	parentSessionId string

	subscriptionId string
	tenantId       string
}

type sessionCmd struct {
	flags *sessionCmdFlags
	cmd   *cobra.Command
}

func newSessionCmd(r *Root) {
	flags := &sessionCmdFlags{}
	sc := &sessionCmd{
		flags: flags,
		cmd: &cobra.Command{
			Use:   "session",
			Short: "Manage cloud sessions and their lifecycle",
		},
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a new session of the given type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.create(cmd.Context(), r)
		},
	}
	create.Flags().StringVarP(&flags.sessionType, "type", "t", "", "Session type: aws-iam-user, aws-iam-role-federated, aws-iam-role-chained, azure-subscription")
	create.Flags().StringVarP(&flags.name, "name", "n", "", "Session name")
	create.Flags().StringVarP(&flags.region, "region", "", "", "AWS region or azure location")
	create.Flags().StringVarP(&flags.profile, "profile", "p", "", "Named profile the credentials are written under, defaults to the default profile")
	create.Flags().StringVarP(&flags.accessKey, "access-key", "", "", "Long lived access key id (aws-iam-user)")
	create.Flags().StringVarP(&flags.secretKey, "secret-key", "", "", "Long lived secret access key (aws-iam-user)")
	create.Flags().StringVarP(&flags.mfaDevice, "mfa-device", "", "", "MFA device arn, the session prompts for a code when set (aws-iam-user)")
	create.Flags().StringVarP(&flags.idpUrl, "idp-url", "", "", "Identity provider login url (aws-iam-role-federated)")
	create.Flags().StringVarP(&flags.idpArn, "idp-arn", "", "", "SAML identity provider arn (aws-iam-role-federated)")
	create.Flags().StringVarP(&flags.roleArn, "role-arn", "", "", "Role to assume (federated and chained)")
	create.Flags().StringVarP(&flags.parentSessionId, "parent-id", "", "", "Session the chained role assumes from (aws-iam-role-chained)")
	create.Flags().StringVarP(&flags.subscriptionId, "subscription-id", "", "", "Azure subscription id (azure-subscription)")
	create.Flags().StringVarP(&flags.tenantId, "tenant-id", "", "", "Azure tenant id (azure-subscription)")
	_ = create.MarkFlagRequired("type")
	_ = create.MarkFlagRequired("name")

	start := &cobra.Command{
		Use:   "start <session-id>",
		Short: "Generate credentials for the session and write them to its profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.lifecycle(cmd.Context(), r, args[0], service.SessionService.Start)
		},
	}
	stop := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Remove the session's credentials and mark it inactive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.lifecycle(cmd.Context(), r, args[0], service.SessionService.Stop)
		},
	}
	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Stop and delete the session, its secrets and any roles chained from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.App()
			if err != nil {
				return err
			}
			return deleteSession(cmd.Context(), a, args[0])
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List the sessions in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.list(r)
		},
	}
	account := &cobra.Command{
		Use:   "account <session-id>",
		Short: "Print the aws account number of an iam user session's identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.account(cmd.Context(), r, args[0])
		},
	}

	sc.cmd.AddCommand(create, start, stop, del, list, account)
	r.Cmd.AddCommand(sc.cmd)
}

func (sc *sessionCmd) create(ctx context.Context, r *Root) error {
	a, err := r.App()
	if err != nil {
		return err
	}
	typ := session.Type(sc.flags.sessionType)
	if typ == session.TypeSsoRole {
		return fmt.Errorf("sso role sessions are managed through `%s sso sync`", r.Cmd.Use)
	}
	svc, err := a.factory.GetSessionService(typ)
	if err != nil {
		return err
	}

	profileId, err := sc.profileId(a)
	if err != nil {
		return err
	}
	defaultRegion, err := a.repo.GetDefaultRegion()
	if err != nil {
		return err
	}
	req := service.CreateRequest{
		Name:            sc.flags.name,
		Region:          sc.flags.region,
		AccessKey:       sc.flags.accessKey,
		SecretKey:       sc.flags.secretKey,
		MfaDevice:       sc.flags.mfaDevice,
		IdpUrl:          sc.flags.idpUrl,
		IdpArn:          sc.flags.idpArn,
		RoleArn:         sc.flags.roleArn,
		ParentSessionId: sc.flags.parentSessionId,
		SubscriptionId:  sc.flags.subscriptionId,
		TenantId:        sc.flags.tenantId,
	}
	// workspace defaults back-fill whatever the flags left empty
	if err := mergo.Merge(&req, service.CreateRequest{Region: defaultRegion}); err != nil {
		return err
	}
	sess, err := svc.Create(ctx, req, profileId)
	if err != nil {
		return err
	}
	fmt.Fprintln(sc.cmd.OutOrStdout(), sess.Id)
	return nil
}

func (sc *sessionCmd) profileId(a *app) (string, error) {
	if sc.flags.profile == "" {
		return a.repo.GetDefaultProfileId()
	}
	return a.repo.AddProfile(sc.flags.profile)
}

func (sc *sessionCmd) lifecycle(ctx context.Context, r *Root, id string,
	op func(service.SessionService, context.Context, string) error) error {
	a, err := r.App()
	if err != nil {
		return err
	}
	defer a.browser.Close()

	sess, err := a.repo.GetSession(id)
	if err != nil {
		return err
	}
	svc, err := a.factory.GetSessionService(sess.Type)
	if err != nil {
		return err
	}
	return op(svc, ctx, id)
}

func (sc *sessionCmd) account(ctx context.Context, r *Root, id string) error {
	a, err := r.App()
	if err != nil {
		return err
	}
	sess, err := a.repo.GetSession(id)
	if err != nil {
		return err
	}
	if sess.Type != session.TypeIamUser {
		return fmt.Errorf("%s is a %s session, account lookup only applies to %s", id, sess.Type, session.TypeIamUser)
	}
	accountId, err := a.factory.IamUserService().GetAccountNumber(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(sc.cmd.OutOrStdout(), accountId)
	return nil
}

func (sc *sessionCmd) list(r *Root) error {
	a, err := r.App()
	if err != nil {
		return err
	}
	sessions, err := a.repo.ListSessions()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(sc.cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tREGION\tEXPIRES")
	for _, s := range sessions {
		expires := ""
		if !s.SessionTokenExpiration.IsZero() {
			expires = s.SessionTokenExpiration.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Id, s.Name, s.Type, s.Status, s.Region, expires)
	}
	return w.Flush()
}

// deleteSession stops the session, drops its secrets and removes it. Roles
// chained from it cannot outlive their parent so they are deleted first.
func deleteSession(ctx context.Context, a *app, id string) error {
	sess, err := a.repo.GetSession(id)
	if err != nil {
		return err
	}
	svc, err := a.factory.GetSessionService(sess.Type)
	if err != nil {
		return err
	}

	sessions, err := a.repo.ListSessions()
	if err != nil {
		return err
	}
	for _, child := range sessions {
		if child.Type == session.TypeIamRoleChained && child.ParentSessionId == id {
			if err := deleteSession(ctx, a, child.Id); err != nil {
				return err
			}
		}
	}

	if err := svc.Stop(ctx, id); err != nil {
		return err
	}
	svc.RemoveSecrets(ctx, id)
	if err := a.repo.DeleteSession(id); err != nil {
		return err
	}
	a.notifier.DeleteSession(id)
	return nil
}
