package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/orbitfleet/orchestra/internal/model"
)

// EnvSecrets resolves secrets from the process environment, matching the
// original ConfigurationService's `_load_secrets` behavior of loading the
// full environment (plus a .env file, if present) into a lookup table.
type EnvSecrets struct{}

// NewEnvSecrets constructs an EnvSecrets source. A .env file at dotenvPath,
// if present, is merged into the process environment first (variables
// already set take precedence over the file), mirroring the original's use
// of python-dotenv. A missing file is not an error.
func NewEnvSecrets(dotenvPath string) EnvSecrets {
	if dotenvPath == "" {
		return EnvSecrets{}
	}
	_ = godotenv.Load(dotenvPath)
	return EnvSecrets{}
}

func (EnvSecrets) Lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// providerSecretVars maps an LLM provider name to the environment variable
// names its credential fields are injected from (spec.md §4.3's fixed
// secret-injection table). Descriptors never carry credentials in YAML.
var providerSecretVars = map[string]struct {
	apiKey  string
	baseURL string
}{
	"openai":    {apiKey: "OPENAI_API_KEY"},
	"anthropic": {apiKey: "ANTHROPIC_API_KEY"},
	"ollama":    {baseURL: "OLLAMA_BASE_URL"},
}

const (
	envBedrockRegion    = "AWS_REGION"
	envBedrockAccessKey = "AWS_ACCESS_KEY_ID"
	envBedrockSecretKey = "AWS_SECRET_ACCESS_KEY"
)

// injectSecrets fills a descriptor's LLMConfig credential fields from the
// SecretSource, keyed on the declared provider. A provider with a required
// credential missing from the environment fails the whole descriptor load —
// better to surface a startup error than dispatch a task to a provider that
// cannot authenticate.
func injectSecrets(d *model.AgentDescriptor, secrets SecretSource) error {
	provider := strings.ToLower(d.LLM.Provider)

	switch provider {
	case "bedrock":
		region, ok := secrets.Lookup(envBedrockRegion)
		if !ok {
			return fmt.Errorf("provider %q requires %s", provider, envBedrockRegion)
		}
		accessKey, hasAccess := secrets.Lookup(envBedrockAccessKey)
		secretKey, hasSecret := secrets.Lookup(envBedrockSecretKey)
		if hasAccess != hasSecret {
			return fmt.Errorf("provider %q requires both %s and %s or neither (IAM role auth)", provider, envBedrockAccessKey, envBedrockSecretKey)
		}
		d.LLM.Region = region
		d.LLM.AccessKeyID = accessKey
		d.LLM.SecretAccessKey = secretKey
		return nil
	}

	vars, known := providerSecretVars[provider]
	if !known {
		return fmt.Errorf("unknown llm provider %q", d.LLM.Provider)
	}
	if vars.apiKey != "" {
		key, ok := secrets.Lookup(vars.apiKey)
		if !ok {
			return fmt.Errorf("provider %q requires %s", provider, vars.apiKey)
		}
		d.LLM.APIKey = key
	}
	if vars.baseURL != "" {
		baseURL, ok := secrets.Lookup(vars.baseURL)
		if !ok {
			baseURL = "http://localhost:11434"
		}
		d.LLM.BaseURL = baseURL
	}
	return nil
}
