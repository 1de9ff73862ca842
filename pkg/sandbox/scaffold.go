package sandbox

import (
	"strings"

	"github.com/healloop/healloop/pkg/profile"
	"github.com/healloop/healloop/pkg/project"
)

// Scaffold files fill in what a generated project commonly omits so the
// framework can boot. Generated files always take precedence.
var (
	nextScaffold = project.Files{
		{Path: "app/layout.tsx", Content: `import "./globals.css";

export const metadata = {
  title: "App",
};

export default function RootLayout({ children }: { children: React.ReactNode }) {
  return (
    <html lang="en">
      <body>{children}</body>
    </html>
  );
}
`},
		{Path: "app/globals.css", Content: `*,
*::before,
*::after {
  box-sizing: border-box;
}

body {
  margin: 0;
  font-family: system-ui, -apple-system, sans-serif;
}
`},
		{Path: "tsconfig.json", Content: `{
  "compilerOptions": {
    "target": "ES2017",
    "lib": ["dom", "dom.iterable", "esnext"],
    "allowJs": true,
    "skipLibCheck": true,
    "strict": false,
    "noEmit": true,
    "esModuleInterop": true,
    "module": "esnext",
    "moduleResolution": "bundler",
    "resolveJsonModule": true,
    "isolatedModules": true,
    "jsx": "preserve",
    "incremental": true,
    "plugins": [{ "name": "next" }],
    "paths": { "@/*": ["./*"] }
  },
  "include": ["next-env.d.ts", "**/*.ts", "**/*.tsx"],
  "exclude": ["node_modules"]
}
`},
		{Path: project.ManifestPath, Content: `{
  "name": "app",
  "private": true,
  "scripts": {
    "dev": "next dev",
    "build": "next build",
    "start": "next start"
  },
  "dependencies": {
    "next": "14.2.5",
    "react": "18.3.1",
    "react-dom": "18.3.1"
  },
  "devDependencies": {
    "@types/node": "20.14.10",
    "@types/react": "18.3.3",
    "typescript": "5.5.3"
  }
}
`},
	}

	viteScaffold = project.Files{
		{Path: "index.html", Content: `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>App</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.tsx"></script>
  </body>
</html>
`},
		{Path: "src/main.tsx", Content: `import React from "react";
import ReactDOM from "react-dom/client";
import App from "./App";
import "./index.css";

ReactDOM.createRoot(document.getElementById("root")!).render(
  <React.StrictMode>
    <App />
  </React.StrictMode>,
);
`},
		{Path: "src/index.css", Content: `body {
  margin: 0;
  font-family: system-ui, -apple-system, sans-serif;
}
`},
		{Path: "vite.config.ts", Content: `import { defineConfig } from "vite";
import react from "@vitejs/plugin-react";

export default defineConfig({
  plugins: [react()],
  server: { host: "0.0.0.0", port: 5173 },
});
`},
		{Path: "tsconfig.json", Content: `{
  "compilerOptions": {
    "target": "ES2020",
    "lib": ["ES2020", "DOM", "DOM.Iterable"],
    "module": "ESNext",
    "skipLibCheck": true,
    "moduleResolution": "bundler",
    "resolveJsonModule": true,
    "isolatedModules": true,
    "noEmit": true,
    "jsx": "react-jsx",
    "strict": false
  },
  "include": ["src"]
}
`},
		{Path: project.ManifestPath, Content: `{
  "name": "app",
  "private": true,
  "type": "module",
  "scripts": {
    "dev": "vite",
    "build": "vite build"
  },
  "dependencies": {
    "react": "18.3.1",
    "react-dom": "18.3.1"
  },
  "devDependencies": {
    "@vitejs/plugin-react": "4.3.1",
    "typescript": "5.5.3",
    "vite": "5.3.4"
  }
}
`},
	}
)

var (
	scriptExts = []string{".tsx", ".ts", ".jsx", ".js"}
	configExts = []string{".ts", ".js", ".mjs", ".mts", ".cjs"}
)

// ScaffoldFiles returns the scaffold files for framework that are missing
// from files. Entry points are matched by role rather than exact path: a
// layout under src/app, a pages router or a main.jsx count as present.
func ScaffoldFiles(framework profile.Framework, files project.Files) project.Files {
	if framework == profile.FrameworkVite {
		return missingVite(files)
	}
	return missingNext(files)
}

func missingNext(files project.Files) project.Files {
	var missing project.Files

	appDir := "app"
	if hasPrefix(files, "src/app/") {
		appDir = "src/app"
	}
	pagesRouter := hasPrefix(files, "pages/") || hasPrefix(files, "src/pages/")
	appRouter := hasPrefix(files, appDir+"/")

	if appRouter || !pagesRouter {
		layout := template(nextScaffold, "app/layout.tsx")
		if !hasAnyExt(files, appDir+"/layout", scriptExts) {
			layout.Path = appDir + "/layout.tsx"
			missing = append(missing, layout)
		}
		css := template(nextScaffold, "app/globals.css")
		if !files.Has(appDir + "/globals.css") {
			css.Path = appDir + "/globals.css"
			missing = append(missing, css)
		}
	}

	for _, path := range []string{"tsconfig.json", project.ManifestPath} {
		if path == "tsconfig.json" && files.Has("jsconfig.json") {
			continue
		}
		if !files.Has(path) {
			missing = append(missing, template(nextScaffold, path))
		}
	}
	return missing
}

func missingVite(files project.Files) project.Files {
	var missing project.Files
	for _, f := range viteScaffold {
		present := files.Has(f.Path)
		switch f.Path {
		case "src/main.tsx":
			present = hasAnyExt(files, "src/main", scriptExts)
		case "vite.config.ts":
			present = hasAnyExt(files, "vite.config", configExts)
		}
		if !present {
			missing = append(missing, f)
		}
	}
	return missing
}

// template returns the scaffold at path from set.
func template(set project.Files, path string) project.File {
	f, ok := set.Find(path)
	if !ok {
		panic("sandbox: no scaffold for " + path)
	}
	return f
}

func hasAnyExt(files project.Files, base string, exts []string) bool {
	for _, ext := range exts {
		if files.Has(base + ext) {
			return true
		}
	}
	return false
}

func hasPrefix(files project.Files, dir string) bool {
	for _, f := range files {
		if strings.HasPrefix(project.NormalizePath(f.Path), dir) {
			return true
		}
	}
	return false
}
