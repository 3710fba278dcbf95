package smime

import "testing"

const (
	testAddress          = "foo@bar.baz"
	testAddressLocalPart = "foo"
	testKeystorePassword = "k3yst0r3p@ssw0rd"
	testAliasPassword    = "@l1@sp@ssw0rd"
)

func TestKeyPassword(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		props Properties
		want  string
	}{
		{
			name: "full address override",
			props: Properties{
				PropKeystorePassword:          testKeystorePassword,
				PasswordProperty(testAddress): testAliasPassword,
			},
			want: testAliasPassword,
		},
		{
			name: "local part override",
			props: Properties{
				PropKeystorePassword:                   testKeystorePassword,
				PasswordProperty(testAddressLocalPart): testAliasPassword,
			},
			want: testAliasPassword,
		},
		{
			name: "empty full address falls through to local part",
			props: Properties{
				PropKeystorePassword:                   testKeystorePassword,
				PasswordProperty(testAddress):          "",
				PasswordProperty(testAddressLocalPart): testAliasPassword,
			},
			want: testAliasPassword,
		},
		{
			name: "blank full address falls through to local part",
			props: Properties{
				PropKeystorePassword:                   testKeystorePassword,
				PasswordProperty(testAddress):          "  \t",
				PasswordProperty(testAddressLocalPart): testAliasPassword,
			},
			want: testAliasPassword,
		},
		{
			name:  "keystore password when no override",
			props: Properties{PropKeystorePassword: testKeystorePassword},
			want:  testKeystorePassword,
		},
		{
			name: "empty local part falls through to keystore password",
			props: Properties{
				PropKeystorePassword:                   testKeystorePassword,
				PasswordProperty(testAddressLocalPart): "",
			},
			want: testKeystorePassword,
		},
		{
			name: "full address wins over local part",
			props: Properties{
				PropKeystorePassword:                   "G",
				PasswordProperty(testAddress):          "F",
				PasswordProperty(testAddressLocalPart): "L",
			},
			want: "F",
		},
		{
			name:  "nothing configured",
			props: Properties{},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.props.KeyPassword(testAddress); got != tt.want {
				t.Errorf("KeyPassword(%q): got %q, want %q", testAddress, got, tt.want)
			}
		})
	}
}

func TestKeyPassword_LastAtSign(t *testing.T) {
	t.Parallel()

	props := Properties{
		PropKeystorePassword:                "G",
		PasswordProperty(`"a@b"`):           "quoted",
		PasswordProperty(`"a@b"@x.edu`):     "",
		PasswordProperty("unrelated@x.edu"): "other",
	}
	if got := props.KeyPassword(`"a@b"@x.edu`); got != "quoted" {
		t.Errorf("got %q, want %q", got, "quoted")
	}
}

func TestPasswordProperty(t *testing.T) {
	t.Parallel()

	if got := PasswordProperty("Alice@Example.EDU"); got != "mail.keystore.alice@example.edu.password" {
		t.Errorf("got %q", got)
	}
}

func TestLocalPart(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"foo@bar.baz": "foo",
		"a@b@c":       "a@b",
		"nodomain":    "nodomain",
		"@x.edu":      "",
	}
	for in, want := range tests {
		if got := localPart(in); got != want {
			t.Errorf("localPart(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestKeyPassword_MixedCaseKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		props Properties
		want  string
	}{
		{
			name: "full address key",
			props: Properties{
				PropKeystorePassword:                 "G",
				"mail.keystore.Alice@X.edu.password": "full",
			},
			want: "full",
		},
		{
			name: "local part key",
			props: Properties{
				PropKeystorePassword:           "G",
				"mail.keystore.ALICE.password": "local",
			},
			want: "local",
		},
		{
			name:  "keystore password key",
			props: Properties{"Mail.Keystore.Password": "G"},
			want:  "G",
		},
		{
			name: "blank mixed case falls through",
			props: Properties{
				PropKeystorePassword:                 "G",
				"mail.keystore.Alice@X.edu.password": " ",
			},
			want: "G",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.props.KeyPassword("alice@x.edu"); got != tt.want {
				t.Errorf("KeyPassword(alice@x.edu): got %q, want %q", got, tt.want)
			}
		})
	}
}
