// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package testdata

import _ "embed" // Necessary to use go:embed

// Structured boot log in the tpm2_eventlog layout, with SHA-1 and SHA-256
// digests for PCRs 0-9.
var (
	//go:embed bootlog/debian-grub.yaml
	DebianGrubStructuredLog []byte
)

// Final register values of DebianGrubStructuredLog, indexed by PCR.
var (
	DebianGrubSHA1 = []string{
		"3d9996832d8d5c24e2944c39135fdfd6b9e091b6",
		"8ddacf4e516984550c550d19fa0a7aca81fea9be",
		"b2a83b0ebf2f8374299a5b2bdfc31ea955ad7236",
		"b2a83b0ebf2f8374299a5b2bdfc31ea955ad7236",
		"4c695c8a1e6197db9f1512be67d76ca468ea5b61",
		"b2a83b0ebf2f8374299a5b2bdfc31ea955ad7236",
		"b2a83b0ebf2f8374299a5b2bdfc31ea955ad7236",
		"b2a83b0ebf2f8374299a5b2bdfc31ea955ad7236",
		"475df75ff7b6cb475f0ae01e7ec885213159bbad",
		"3d9f9c317a2c1a4e3f6282dbdd4073f515dbd4f0",
	}
	DebianGrubSHA256 = []string{
		"8b023dd838c7cd39796be6ae89737d05e7a96f44d840a3409c145ad45fd2b4ef",
		"8df6d0e3f4500e14498022506b6fa31e4245ca00dde8d35196bee0eb4bcb03b6",
		"3d458cfe55cc03ea1f443f1562beec8df51c75e14a9fcf9a7234a13f198e7969",
		"3d458cfe55cc03ea1f443f1562beec8df51c75e14a9fcf9a7234a13f198e7969",
		"db56f0dc6235b15fd6fa342c131f7ff7351cd99a4022301fb8d15253ddfa2739",
		"3d458cfe55cc03ea1f443f1562beec8df51c75e14a9fcf9a7234a13f198e7969",
		"3d458cfe55cc03ea1f443f1562beec8df51c75e14a9fcf9a7234a13f198e7969",
		"3d458cfe55cc03ea1f443f1562beec8df51c75e14a9fcf9a7234a13f198e7969",
		"4d40d35cb3501c4836f40c4f3928a00ccd5cd90198680276f0cde0022b94c607",
		"6f9cf8b9f2b30184fd2ab6fb8219f6a908d74d26180556dfb0d4b7379725b497",
	}
)

// IMA measurement logs of the same eight records, in both kernel formats.
// The records cover the ima-ng, ima-sig and legacy ima templates and one
// violation with an all-zero template hash.
var (
	//go:embed ima/binary_runtime_measurements
	IMABinaryLog []byte
	//go:embed ima/ascii_runtime_measurements
	IMAASCIILog []byte
	//go:embed ima/audit.log
	IMAAuditLog []byte
)

// IMAPCR10Values holds the SHA-1 value of PCR 10 after each record of the
// IMA logs.
var IMAPCR10Values = []string{
	"25354f4ade1b3835674768c6caac054340a0cf8a",
	"bc9e61b6ea12017bd2bfa2147de79b4ff4313e61",
	"d55ef5bac16fbe19104b18c08f44a8bc3d244e37",
	"dd74942a0a13b0ead25872313bfb6f4649aa52a7",
	"42ec5964bf57c8c6b8ea3f2642c58213909e8bd7",
	"acac52bc86b91b7a64a9b42fa8c157a0b0cff3e9",
	"bcc12d012bb960db7bb66171a78afd6d0ce65dd1",
	"d131f6e2a0ccfad2bfc8a41591adadb67c11f18f",
}

// The audit log is measured at IMAAuditPath. Its first IMAAuditLines lines
// hash to the recorded digest.
const (
	IMAAuditPath  = "/var/log/attest/audit.log"
	IMAAuditLines = 2
)
