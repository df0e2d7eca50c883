package transport

// testCA is a self-signed certificate unrelated to the httptest server certificate.
const testCA = `-----BEGIN CERTIFICATE-----
MIIBkjCCATmgAwIBAgIUQPECA3/G2OPzSy6lTiGRXKr+PDUwCgYIKoZIzj0EAwIw
HjEcMBoGA1UEAwwTZGlzcGxheS1vdGEgdGVzdCBDQTAgFw0yNjEwMTcxOTM4NTFa
GA8yMTI2MDkyMzE5Mzg1MVowHjEcMBoGA1UEAwwTZGlzcGxheS1vdGEgdGVzdCBD
QTBZMBMGByqGSM49AgEGCCqGSM49AwEHA0IABHSJt3XUDadfCPFHNKEqz+JjOX13
J0HrNz4W6pZARVp9ku0WX7bu+iTt2OELp3Sl1vYOW8FJ51S4Hya6TQ+xcg6jUzBR
MB0GA1UdDgQWBBSuDEui9UTxvy2MDaQVFARfxaThfzAfBgNVHSMEGDAWgBSuDEui
9UTxvy2MDaQVFARfxaThfzAPBgNVHRMBAf8EBTADAQH/MAoGCCqGSM49BAMCA0cA
MEQCIGbnefngnVKxfJdYJRCeqG/Lw61tspkXnIWdpCLgYuDeAiAPUJkYDd/RQM7s
VWksAST0GiOB6MUTLTBRNUGib9Pivw==
-----END CERTIFICATE-----
`
