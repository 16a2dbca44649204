// Package auth implements the two login flows of the artifact
// service: the OAuth2 device-code grant (with refresh) and a
// public-key challenge signature. Tokens persist in the user's
// settings file under the oauth and pubkey keys.
package auth
