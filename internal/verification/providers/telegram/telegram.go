// Package telegram verifies Telegram accounts through the Login Widget. The widget
// posts signed user data back to the callback, so no Telegram API call is made.
package telegram

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"humanscore/internal/scoring"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	dErrors "humanscore/pkg/domain-errors"
	"humanscore/pkg/requestcontext"
)

// MaxAuthAge bounds how old a widget login may be when it reaches the callback.
const MaxAuthAge = 24 * time.Hour

// MaxClockSkew is how far ahead of our clock a widget login may be stamped.
const MaxClockSkew = 5 * time.Minute

// Fields the widget signs. Anything else on the callback (such as state) is ignored.
var signedFields = []string{"auth_date", "first_name", "id", "last_name", "photo_url", "username"}

type Config struct {
	BotToken string
	BotName  string
}

type Adapter struct {
	cfg  Config
	deps providers.Deps
}

func New(cfg Config, deps providers.Deps) *Adapter {
	return &Adapter{cfg: cfg, deps: deps}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderTelegram
}

func (a *Adapter) Configured() error {
	switch {
	case a.cfg.BotToken == "":
		return providers.ErrNotConfigured("telegram", "TELEGRAM_BOT_TOKEN")
	case a.cfg.BotName == "":
		return providers.ErrNotConfigured("telegram", "TELEGRAM_BOT_NAME")
	}
	return nil
}

func (a *Adapter) BuildAuthorizationRequest(_ context.Context, session *models.Session) (*providers.AuthorizationRequest, error) {
	authURL := a.deps.CallbackURL(models.ProviderTelegram) + "?" + url.Values{"state": {session.ID}}.Encode()
	return &providers.AuthorizationRequest{
		Widget: &providers.Widget{BotName: a.cfg.BotName, AuthURL: authURL},
	}, nil
}

func (a *Adapter) Verify(ctx context.Context, session *models.Session, proof models.Proof) (*models.Outcome, error) {
	data := proof.Params
	if !Valid(a.cfg.BotToken, data) {
		return nil, dErrors.New(dErrors.CodeSignatureMismatch, "telegram login data failed verification")
	}

	authDate, err := strconv.ParseInt(data["auth_date"], 10, 64)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "telegram login is missing auth_date")
	}
	age := requestcontext.Now(ctx).Sub(time.Unix(authDate, 0))
	if age > MaxAuthAge {
		return nil, dErrors.New(dErrors.CodeBadRequest, "telegram login has expired, please try again")
	}
	if age < -MaxClockSkew {
		return nil, dErrors.New(dErrors.CodeBadRequest, "telegram login is dated in the future")
	}
	userID, err := strconv.ParseInt(data["id"], 10, 64)
	if err != nil || userID <= 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "telegram login is missing the user id")
	}

	score := scoring.Telegram(scoring.TelegramMetrics{
		UserID:      userID,
		HasUsername: data["username"] != "",
		HasPhotoURL: data["photo_url"] != "",
	})
	name := strings.TrimSpace(data["first_name"] + " " + data["last_name"])
	if data["username"] != "" {
		name = "@" + data["username"]
	}
	profile := &models.Profile{WalletID: session.WalletID, Provider: models.ProviderTelegram, DisplayName: name, AvatarURL: data["photo_url"]}
	return providers.Succeed(a.deps.Committer, models.ProviderTelegram, data["id"], score, profile)
}

// Valid checks the widget hash: HMAC-SHA256 over the sorted data-check string, keyed
// with SHA-256 of the bot token.
func Valid(botToken string, data map[string]string) bool {
	got, err := hex.DecodeString(data["hash"])
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, Sign(botToken, data))
}

// Sign computes the widget hash for data.
func Sign(botToken string, data map[string]string) []byte {
	secret := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(dataCheckString(data)))
	return mac.Sum(nil)
}

func dataCheckString(data map[string]string) string {
	lines := make([]string, 0, len(signedFields))
	for _, k := range signedFields {
		if v, ok := data[k]; ok {
			lines = append(lines, k+"="+v)
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
