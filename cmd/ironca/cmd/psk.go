package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/psk"
)

var pskCmd = &cobra.Command{
	Use:   "psk",
	Short: "Manage pre-shared keys for the frontend",
	Long: `Creates, lists and revokes the pre-shared keys that authorize server and
computer bundle requests. Keys are stored only as salted Argon2id hashes in
the configured storage backend; the secret is shown once, at creation.`,
}

var (
	pskDescription string
	pskType        string
	pskExpiresIn   time.Duration
	pskMaxUses     int64
	pskCreatedBy   string
	pskJSON        bool
)

var pskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pre-shared key and print its secret",
	RunE:  runPSKCreate,
}

var pskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pre-shared keys",
	RunE:  runPSKList,
}

var pskRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a pre-shared key",
	Args:  cobra.ExactArgs(1),
	RunE:  runPSKRevoke,
}

func init() {
	rootCmd.AddCommand(pskCmd)
	pskCmd.AddCommand(pskCreateCmd, pskListCmd, pskRevokeCmd)

	f := pskCreateCmd.Flags()
	f.StringVarP(&pskDescription, "description", "d", "", "what the key is for")
	f.StringVarP(&pskType, "type", "t", string(psk.TypeServer), "certificate type the key authorizes (server, computer)")
	f.DurationVar(&pskExpiresIn, "expires-in", 0, "lifetime, 0 for no expiry")
	f.Int64Var(&pskMaxUses, "max-uses", 0, "use limit, 0 for unlimited")
	f.StringVar(&pskCreatedBy, "created-by", os.Getenv("USER"), "operator recorded on the key")
	_ = pskCreateCmd.MarkFlagRequired("description")

	pskListCmd.Flags().BoolVar(&pskJSON, "json", false, "Output results as JSON")
}

func runPSKCreate(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()

	t, err := psk.ParseType(pskType)
	if err != nil {
		return err
	}
	kdf, err := util.Argon2idProfile(rt.cfg.Frontend.KDFProfile)
	if err != nil {
		return err
	}

	repo, closeRepo, err := openRepository(ctx, rt.cfg.Storage)
	if err != nil {
		return err
	}
	defer closeRepo()

	k, secret, err := psk.Generate(psk.Params{
		Description: pskDescription,
		Type:        t,
		ExpiresIn:   pskExpiresIn,
		MaxUses:     pskMaxUses,
		CreatedBy:   pskCreatedBy,
		KDF:         kdf,
	}, timeNow())
	if err != nil {
		return err
	}
	if err := psk.NewStore(repo).Create(ctx, k); err != nil {
		return err
	}
	rt.logger.Info("pre-shared key created", "psk_id", k.ID, "type", string(k.Type), "created_by", k.CreatedBy)

	fmt.Printf("ID:     %s\n", k.ID)
	fmt.Printf("Type:   %s\n", k.Type)
	if k.ExpiresAt != nil {
		fmt.Printf("Expiry: %s\n", k.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("Secret: %s\n\n", secret)
	fmt.Fprintln(os.Stderr, "Store the secret now. It cannot be shown again.")
	return nil
}

// pskView omits the salt and hash.
type pskView struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	Description string     `json:"description"`
	Type        psk.Type   `json:"type"`
	Status      string     `json:"status"`
	UseCount    int64      `json:"use_count"`
	MaxUses     int64      `json:"max_uses,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by,omitempty"`
}

func newPSKView(k *psk.PreSharedKey, now time.Time) pskView {
	return pskView{
		ID:          k.ID,
		Key:         k.Display(),
		Description: k.Description,
		Type:        k.Type,
		Status:      pskStatus(k, now),
		UseCount:    k.UseCount,
		MaxUses:     k.MaxUses,
		ExpiresAt:   k.ExpiresAt,
		RevokedAt:   k.RevokedAt,
		LastUsedAt:  k.LastUsedAt,
		CreatedAt:   k.CreatedAt,
		CreatedBy:   k.CreatedBy,
	}
}

func pskStatus(k *psk.PreSharedKey, now time.Time) string {
	switch {
	case k.Revoked:
		return "revoked"
	case !k.IsValid(now):
		return "expired"
	case k.Exhausted():
		return "exhausted"
	default:
		return "active"
	}
}

func runPSKList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()

	repo, closeRepo, err := openRepository(ctx, rt.cfg.Storage)
	if err != nil {
		return err
	}
	defer closeRepo()

	keys, err := psk.NewStore(repo).List(ctx)
	if err != nil {
		return err
	}
	if pskJSON {
		out := make([]pskView, 0, len(keys))
		for _, k := range keys {
			out = append(out, newPSKView(k, timeNow()))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tTYPE\tSTATUS\tUSES\tDESCRIPTION")
	for _, k := range keys {
		uses := fmt.Sprintf("%d", k.UseCount)
		if k.MaxUses > 0 {
			uses = fmt.Sprintf("%d/%d", k.UseCount, k.MaxUses)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", k.ID, k.Display(), k.Type, pskStatus(k, timeNow()), uses, k.Description)
	}
	return tw.Flush()
}

func runPSKRevoke(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()

	repo, closeRepo, err := openRepository(ctx, rt.cfg.Storage)
	if err != nil {
		return err
	}
	defer closeRepo()

	k, err := psk.NewStore(repo).Revoke(ctx, args[0], timeNow())
	if err != nil {
		return err
	}
	rt.logger.Info("pre-shared key revoked", "psk_id", k.ID)
	fmt.Printf("Revoked %s (%s) at %s\n", k.ID, k.Display(), k.RevokedAt.Format(time.RFC3339))
	return nil
}
