package config

// Database connection configuration, loaded by LoadConfig.
var (
	// DBEnabled toggles epoch history persistence. When false the daemon
	// runs without Postgres and skips all history writes.
	DBEnabled bool

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
)

func loadDatabaseConfig() error {
	enabled, err := getEnv("DVP_DB_ENABLED")
	if err != nil {
		return err
	}
	DBEnabled = enabled == "true" || enabled == "1"
	if !DBEnabled {
		return nil
	}

	DBHost, err = getEnv("DVP_DB_HOST")
	if err != nil {
		return err
	}
	DBPort, err = getEnvAsInt("DVP_DB_PORT")
	if err != nil {
		return err
	}
	DBUser, err = getEnv("DVP_DB_USER")
	if err != nil {
		return err
	}
	DBPassword, err = getEnv("DVP_DB_PASSWORD")
	if err != nil {
		return err
	}
	DBName, err = getEnv("DVP_DB_NAME")
	if err != nil {
		return err
	}
	DBSSLMode, err = getEnv("DVP_DB_SSLMODE")
	if err != nil {
		return err
	}
	return nil
}
