package loaddata

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// MySQLDialer opens sessions with github.com/go-sql-driver/mysql.
// Every session has LOAD DATA LOCAL INFILE and multi-statements enabled.
type MySQLDialer struct{}

// Dial opens a dedicated single-connection pool and pins its connection.
func (MySQLDialer) Dial(ctx context.Context, conn ConnConfig) (Session, error) {
	cfg, err := DriverConfig(conn)
	if err != nil {
		return nil, err
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)

	c, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
	}
	return &mysqlSession{db: db, conn: c}, nil
}

// DriverConfig converts conn into a driver configuration.
func DriverConfig(conn ConnConfig) (*mysql.Config, error) {
	base := mysql.NewConfig()
	base.User = conn.Username
	base.Passwd = conn.Password
	base.Net = "tcp"
	base.Addr = net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))
	base.DBName = conn.Database
	base.MultiStatements = true

	// The connection charset is only settable through the DSN.
	dsn := base.FormatDSN()
	if conn.Encoding != "" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "charset=" + conn.Encoding
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid connection settings: %w", err)
	}

	if conn.TLS.Enabled() {
		tlsCfg, err := conn.TLS.Config(conn.Host)
		if err != nil {
			return nil, err
		}
		cfg.TLS = tlsCfg
	}
	return cfg, nil
}

type mysqlSession struct {
	db   *sql.DB
	conn *sql.Conn
}

func (s *mysqlSession) Query(ctx context.Context, query string) ([]Row, error) {
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []Row
	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			r[c] = vals[i].String
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *mysqlSession) Exec(ctx context.Context, query string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *mysqlSession) RegisterLocalFile(path string) func() {
	mysql.RegisterLocalFile(path)
	return func() { mysql.DeregisterLocalFile(path) }
}

func (s *mysqlSession) Close() error {
	return errors.Join(s.conn.Close(), s.db.Close())
}

// Server errors that no retry can fix: bad credentials, missing privileges,
// unknown columns and local_infile switched off.
var unrecoverableCodes = map[uint16]bool{
	1044: true, // ER_DBACCESS_DENIED_ERROR
	1045: true, // ER_ACCESS_DENIED_ERROR
	1054: true, // ER_BAD_FIELD_ERROR
	1142: true, // ER_TABLEACCESS_DENIED_ERROR
	1148: true, // ER_NOT_ALLOWED_COMMAND
	3948: true, // ER_CLIENT_LOCAL_FILES_DISABLED
}

// IsUnrecoverable reports whether err will fail the same way on every
// attempt: a rejected destination name or one of the server errors above.
func IsUnrecoverable(err error) bool {
	if errors.Is(err, ErrInvalidIdentifier) {
		return true
	}
	var merr *mysql.MySQLError
	if errors.As(err, &merr) {
		return unrecoverableCodes[merr.Number]
	}
	return false
}

// Config builds the client TLS configuration for serverName.
//
// With Verify set the server certificate and host name are checked against the
// CA pool (or the system pool). Without it only the chain is checked when a CA
// is configured, and nothing otherwise.
func (o TLSOptions) Config(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: serverName}

	if o.Cert != "" || o.Key != "" {
		if o.Cert == "" || o.Key == "" {
			return nil, errors.New("sslcert and sslkey must be set together")
		}
		pair, err := tls.LoadX509KeyPair(o.Cert, o.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	pool, err := o.caPool()
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = pool

	if o.Cipher != "" {
		suites, err := ParseCipherSuites(o.Cipher)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}

	verify := o.Verify != nil && *o.Verify
	if !verify {
		cfg.InsecureSkipVerify = true
		if pool != nil {
			cfg.VerifyPeerCertificate = verifyChain(pool)
		}
	}
	return cfg, nil
}

func (o TLSOptions) caPool() (*x509.CertPool, error) {
	if o.CA == "" && o.CAPath == "" {
		return nil, nil
	}

	pool := x509.NewCertPool()
	if o.CA != "" {
		pem, err := os.ReadFile(o.CA)
		if err != nil {
			return nil, fmt.Errorf("failed to read sslca: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", o.CA)
		}
	}
	if o.CAPath != "" {
		entries, err := os.ReadDir(o.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read sslcapath: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			pem, err := os.ReadFile(filepath.Join(o.CAPath, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
			}
			// hashed symlinks and non-PEM files are skipped
			pool.AppendCertsFromPEM(pem)
		}
	}
	return pool, nil
}

func verifyChain(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(raw [][]byte, _ [][]*x509.Certificate) error {
		if len(raw) == 0 {
			return errors.New("server sent no certificate")
		}
		certs := make([]*x509.Certificate, len(raw))
		for i, der := range raw {
			c, err := x509.ParseCertificate(der)
			if err != nil {
				return fmt.Errorf("failed to parse server certificate: %w", err)
			}
			certs[i] = c
		}
		inter := x509.NewCertPool()
		for _, c := range certs[1:] {
			inter.AddCert(c)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: pool, Intermediates: inter})
		return err
	}
}

// openSSLCiphers maps the OpenSSL names used by MySQL clients to Go suites.
var openSSLCiphers = map[string]uint16{
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-ECDSA-AES128-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-AES128-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-ECDSA-AES256-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"ECDHE-RSA-AES256-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"AES128-GCM-SHA256":             tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":             tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"AES128-SHA":                    tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"AES256-SHA":                    tls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

// ParseCipherSuites accepts a colon- or comma-separated list of OpenSSL or
// IANA cipher names.
func ParseCipherSuites(list string) ([]uint16, error) {
	iana := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		iana[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		iana[s.Name] = s.ID
	}

	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' }) {
		name = strings.TrimSpace(name)
		if id, ok := openSSLCiphers[strings.ToUpper(name)]; ok {
			ids = append(ids, id)
			continue
		}
		if id, ok := iana[strings.ToUpper(name)]; ok {
			ids = append(ids, id)
			continue
		}
		return nil, fmt.Errorf("unsupported cipher %q", name)
	}
	return ids, nil
}
